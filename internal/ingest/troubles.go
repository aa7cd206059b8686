package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hbomb79/Mimic/internal/library"
)

type (
	TroubleType int
	Trouble     struct {
		error
		tType TroubleType
	}

	ResolutionType int
)

const (
	UNSUPPORTED_FORMAT TroubleType = iota
	UNREADABLE_SOURCE
	GENERIC_FAILURE
)

const (
	RETRY ResolutionType = iota
	ABORT
)

var allowedResolutionTypes = map[TroubleType][]ResolutionType{
	UNSUPPORTED_FORMAT: {ABORT},
	UNREADABLE_SOURCE:  {ABORT, RETRY},
	GENERIC_FAILURE:    {ABORT, RETRY},
}

func newTrouble(err error) Trouble {
	var ingestionErr *library.IngestionError
	if errors.As(err, &ingestionErr) {
		switch ingestionErr.Reason {
		case library.UnsupportedFormat:
			return Trouble{error: err, tType: UNSUPPORTED_FORMAT}
		case library.UnreadableSource:
			return Trouble{error: err, tType: UNREADABLE_SOURCE}
		}
	}

	return Trouble{error: err, tType: GENERIC_FAILURE}
}

func (t *Trouble) Type() TroubleType { return t.tType }

func (t *Trouble) Unwrap() error { return t.error }

func (t *Trouble) AllowedResolutionTypes() []ResolutionType {
	if allowed, ok := allowedResolutionTypes[t.tType]; ok {
		return allowed
	}

	return []ResolutionType{}
}

func (t *Trouble) isResolutionTypeAllowed(resType ResolutionType) bool {
	for _, v := range t.AllowedResolutionTypes() {
		if v == resType {
			return true
		}
	}

	return false
}

func (t *Trouble) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":    t.tType.String(),
		"message": t.Error(),
	})
}

func (t TroubleType) String() string {
	switch t {
	case UNSUPPORTED_FORMAT:
		return fmt.Sprintf("UNSUPPORTED_FORMAT[%d]", t)
	case UNREADABLE_SOURCE:
		return fmt.Sprintf("UNREADABLE_SOURCE[%d]", t)
	case GENERIC_FAILURE:
		return fmt.Sprintf("GENERIC_FAILURE[%d]", t)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", t)
	}
}
