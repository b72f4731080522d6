package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-catalog/checkpoint"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/i18n"
	"github.com/aluiziolira/go-scrape-catalog/selector"
)

var (
	// ErrRunning is returned when an operation needs an idle worker.
	ErrRunning = errors.New("worker: already running")
	// ErrNotRunning is returned by Pause on a worker with no active run.
	ErrNotRunning = errors.New("worker: not running")
	// ErrNotPaused is returned by Resume unless the worker is paused.
	ErrNotPaused = errors.New("worker: not paused")
	// ErrNoTasks is returned by Start when no tasks are assigned.
	ErrNoTasks = errors.New("worker: no tasks assigned")

	errPauseRequested = errors.New("pause requested")
	errStopRequested  = errors.New("stop requested")
)

// TaskError ends one task; the worker moves on to the next.
type TaskError struct {
	TaskIndex int
	Step      string
	Err       error
}

func (e TaskError) Error() string {
	return fmt.Errorf("task %d at %s: %w", e.TaskIndex+1, e.Step, e.Err).Error()
}

func (e TaskError) Unwrap() error {
	return e.Err
}

// ErrPersistence indicates progress could not be written to disk.
type ErrPersistence struct {
	Err error
}

func (e ErrPersistence) Error() string {
	return fmt.Errorf("persistence: %w", e.Err).Error()
}

func (e ErrPersistence) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var persistence ErrPersistence
	if errors.As(err, &persistence) || errors.Is(err, checkpoint.ErrCorrupt) {
		return "persistence"
	}
	if errors.Is(err, device.ErrDisconnected) {
		return "disconnected"
	}
	var task TaskError
	if errors.As(err, &task) {
		return "task"
	}
	if errors.Is(err, selector.ErrNotFound) {
		return "not_found"
	}
	if errors.Is(err, selector.ErrInterrupted) || errors.Is(err, context.Canceled) ||
		errors.Is(err, errPauseRequested) || errors.Is(err, errStopRequested) {
		return "canceled"
	}
	return "other"
}

func kindOf(err error) i18n.Kind {
	switch errorTypeLabel(err) {
	case "persistence":
		return i18n.KindPersistence
	case "disconnected":
		return i18n.KindDisconnected
	case "task":
		return i18n.KindTask
	case "not_found":
		return i18n.KindNotFound
	case "canceled":
		return i18n.KindCanceled
	}
	return i18n.KindOther
}

// stepOf names the UI step an error happened at, if any.
func stepOf(err error) string {
	var task TaskError
	if errors.As(err, &task) {
		return task.Step
	}
	var nf selector.NotFoundError
	if errors.As(err, &nf) {
		return nf.Step
	}
	return ""
}
