package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mimic/internal/media"
	"github.com/hbomb79/Mimic/pkg/logger"
)

type (
	ItemState int
	Item      struct {
		ID      uuid.UUID `json:"id"`
		Path    string    `json:"path"`
		State   ItemState `json:"state"`
		Trouble *Trouble  `json:"trouble,omitempty"`
		AssetID uuid.UUID `json:"assetId"`
	}
)

const (
	IDLE ItemState = iota
	IMPORT_HOLD
	INGESTING
	TROUBLED
	COMPLETE
)

var (
	ErrNoTrouble              = errors.New("ingestion has no trouble")
	ErrIngestNotFound         = errors.New("no ingest item could be found")
	ErrResolutionIncompatible = errors.New("provided resolution method is not valid for ingestion trouble")
)

// ingest imports the file behind the item through the registry. Content
// which is already in the library is not an error; the item simply completes.
// Any other failure is returned as a Trouble to be raised on the item.
func (item *Item) ingest(ctx context.Context, registry Registry) error {
	log.Emit(logger.NEW, "Beginning ingestion of item %s\n", item)

	asset, err := registry.Ingest(ctx, item.Path, "", media.IngestParams{})
	if err != nil {
		var duplicate *media.DuplicateContentError
		if errors.As(err, &duplicate) {
			log.Emit(logger.INFO, "Item %s is already in the library as %s %s\n", item, duplicate.Kind, duplicate.ExistingID)
			item.AssetID = duplicate.ExistingID
			return nil
		}

		return newTrouble(err)
	}

	log.Emit(logger.SUCCESS, "Imported item %s as %s %s\n", item, asset.Kind, asset.ID)
	item.AssetID = asset.ID
	return nil
}

func (item *Item) modtimeDiff() (*time.Duration, error) {
	itemInfo, err := os.Stat(item.Path)
	if err != nil {
		return nil, err
	}

	diff := time.Since(itemInfo.ModTime())
	return &diff, nil
}

func (item *Item) String() string {
	return fmt.Sprintf("IngestItem{ID=%s path=%s state=%s}", item.ID, item.Path, item.State)
}

func (s ItemState) String() string {
	switch s {
	case IDLE:
		return fmt.Sprintf("IDLE[%d]", s)
	case IMPORT_HOLD:
		return fmt.Sprintf("IMPORT_HOLD[%d]", s)
	case INGESTING:
		return fmt.Sprintf("INGESTING[%d]", s)
	case TROUBLED:
		return fmt.Sprintf("TROUBLED[%d]", s)
	case COMPLETE:
		return fmt.Sprintf("COMPLETE[%d]", s)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}
