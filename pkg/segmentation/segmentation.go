// Package segmentation obtains and reconciles lung masks. The CNN
// segmentation network is modeled as an injectable capability so the
// pipeline can be exercised with deterministic fakes.
package segmentation

import (
	"context"
	"errors"
	"fmt"

	"gxpipeline/internal/models"
)

// Key selects the mask source.
type Key string

const (
	// KeyCNNVent segments the ventilation image with the CNN capability.
	KeyCNNVent Key = "cnn_vent"

	// KeyManualVent uses a user-supplied mask file.
	KeyManualVent Key = "manual_vent"
)

// Segmenter is the external CNN capability: given an anatomical or
// ventilation image, it returns a binary lung mask on the same grid.
// Implementations must honor the context deadline.
type Segmenter interface {
	Infer(ctx context.Context, image *models.Volume) (*models.LungMask, error)
}

// Error is returned on mask/image mismatch, an empty mask, or a capability
// failure or timeout.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("segmentation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("segmentation: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Reconcile produces a validated lung mask for one acquisition. For
// KeyManualVent the supplied mask is used; for KeyCNNVent the capability is
// invoked with the caller's context. The mask grid is validated against the
// anatomical image and an empty mask is rejected.
func Reconcile(ctx context.Context, key Key, anatomical *models.Volume, manualMask *models.LungMask, seg Segmenter) (*models.LungMask, error) {
	if anatomical == nil {
		return nil, &Error{Reason: "no anatomical image"}
	}

	var mask *models.LungMask
	switch key {
	case KeyManualVent:
		if manualMask == nil {
			return nil, &Error{Reason: "manual segmentation selected but no mask supplied"}
		}
		mask = manualMask
	case KeyCNNVent:
		if seg == nil {
			return nil, &Error{Reason: "cnn segmentation selected but no capability wired"}
		}
		inferred, err := seg.Infer(ctx, anatomical)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &Error{Reason: "cnn inference timed out", Err: err}
			}
			return nil, &Error{Reason: "cnn inference failed", Err: err}
		}
		mask = inferred
	default:
		return nil, &Error{Reason: fmt.Sprintf("unknown segmentation key %q", key)}
	}

	if err := mask.Validate(anatomical.Dims); err != nil {
		return nil, &Error{Reason: "mask validation failed", Err: err}
	}
	return mask, nil
}
