package requests

import (
	"fmt"

	"github.com/example/car-relocation/internal/models"
)

// View is an owner's filter over their requests.
type View string

const (
	ViewAll       View = "all"
	ViewPending   View = "pending"
	ViewActive    View = "active"
	ViewCompleted View = "completed"
)

func ParseView(s string) (View, error) {
	if s == "" {
		return ViewAll, nil
	}
	v := View(s)
	switch v {
	case ViewAll, ViewPending, ViewActive, ViewCompleted:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown view %q", models.ErrInvalidInput, s)
}

func (v View) Includes(st models.RequestStatus) bool {
	switch v {
	case ViewPending:
		return st == models.StatusPending
	case ViewActive:
		return st == models.StatusAccepted || st == models.StatusInProgress
	case ViewCompleted:
		return st == models.StatusCompleted
	}
	return true
}
