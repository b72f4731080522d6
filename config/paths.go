package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths locates one device's files under the output root:
// {root}/{serial}/{results,state,logs,screenshots}.
type Paths struct {
	Root   string
	Serial string
}

// PathsFor returns the directory layout for serial.
func (c *Config) PathsFor(serial string) Paths {
	return Paths{Root: c.OutputDir, Serial: serial}
}

func (p Paths) Device() string      { return filepath.Join(p.Root, p.Serial) }
func (p Paths) Results() string     { return filepath.Join(p.Device(), "results") }
func (p Paths) State() string       { return filepath.Join(p.Device(), "state") }
func (p Paths) Logs() string        { return filepath.Join(p.Device(), "logs") }
func (p Paths) Screenshots() string { return filepath.Join(p.Device(), "screenshots") }

// LogFile is the per-device log file.
func (p Paths) LogFile() string {
	return filepath.Join(p.Logs(), p.Serial+".log")
}

// Ensure creates every directory of the layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Results(), p.State(), p.Logs(), p.Screenshots()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}
