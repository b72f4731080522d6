package models

import (
	"fmt"
	"time"
)

// DeviceStatus is the orchestrator's view of an attached device.
type DeviceStatus string

const (
	DeviceIdle         DeviceStatus = "idle"
	DeviceRunning      DeviceStatus = "running"
	DevicePaused       DeviceStatus = "paused"
	DeviceError        DeviceStatus = "error"
	DeviceDisconnected DeviceStatus = "disconnected"
)

// Device is an attached handset as tracked by the orchestrator.
type Device struct {
	Serial    string       `json:"serial"`
	Model     string       `json:"model,omitempty"`
	Status    DeviceStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	TaskCount int          `json:"task_count"`
	LastSeen  time.Time    `json:"last_seen"`
}

// RunState is the lifecycle state of a worker.
type RunState string

const (
	RunStopped  RunState = "stopped"
	RunRunning  RunState = "running"
	RunPaused   RunState = "paused"
	RunFinished RunState = "finished"
	RunFailed   RunState = "failed"
)

// Terminal reports whether no further transition happens without an operator.
func (s RunState) Terminal() bool {
	return s == RunFinished || s == RunFailed
}

// Phase is the position of a worker inside its navigation/collection state machine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseNavigating         Phase = "navigating"
	PhaseSearchingShop      Phase = "searching_shop"
	PhaseSelectingCategory  Phase = "selecting_category"
	PhaseCollectingCategory Phase = "collecting_category"
	PhaseShopDone           Phase = "shop_done"
	PhasePaused             Phase = "paused"
	PhaseFailed             Phase = "failed"
	PhaseFinished           Phase = "finished"
)

// Checkpoint is the persisted progress of one device.
type Checkpoint struct {
	Serial         string    `json:"serial"`
	RunID          string    `json:"run_id,omitempty"`
	TaskIndex      int       `json:"task_index"`
	ShopName       string    `json:"shop_name,omitempty"`
	CategoryIndex  int       `json:"category_index"`
	CategoryName   string    `json:"category_name,omitempty"`
	Categories     []string  `json:"categories,omitempty"`
	Keys           []string  `json:"keys"`
	CollectedCount int       `json:"collected_count"`
	Status         RunState  `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ResetForTask clears per-shop progress and points the checkpoint at task idx.
func (c *Checkpoint) ResetForTask(idx int, shop string) {
	c.TaskIndex = idx
	c.ShopName = shop
	c.CategoryIndex = 0
	c.CategoryName = ""
	c.Categories = nil
	c.Keys = nil
	c.CollectedCount = 0
}

// Summary renders a short progress line for logs and the CLI.
func (c *Checkpoint) Summary() string {
	if c == nil {
		return "no checkpoint"
	}
	return fmt.Sprintf("task %d, category %d/%d, collected %d",
		c.TaskIndex+1, c.CategoryIndex+1, len(c.Categories), c.CollectedCount)
}
