package ingest

import (
	"errors"
	"fmt"

	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
)

var errMissingFix = errors.New("gps event without coordinates")

func parseKind(s string) (signal.EventKind, error) {
	switch s {
	case "phone":
		return signal.EventPhone, nil
	case "gps":
		return signal.EventGPS, nil
	case "task":
		return signal.EventTask, nil
	case "checkpoint":
		return signal.EventCheckpoint, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}
