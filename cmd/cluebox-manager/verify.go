package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"

	imagestore "github.com/cluebox/imagestore"
	"github.com/cluebox/imagestore/blobstore"
	"github.com/cluebox/imagestore/metastore"
)

var (
	// Verify command flags (verifyCmd is declared in main.go)
	verifyDryRun  *bool
	verifyPrune   *bool
	verifyVerbose *bool
)

func init() {
	verifyDryRun = verifyCmd.Bool("dry-run", false, "Report findings without touching anything")
	verifyPrune = verifyCmd.Bool("prune", false, "Delete orphaned blobs (required for non-dry-run)")
	verifyVerbose = verifyCmd.Bool("verbose", false, "Enable verbose logging")
}

func parseVerifyFlags(opts *Options, fs *flag.FlagSet, args []string) {
	addCommonFlags(opts, fs)
	fs.Parse(args)
}

// VerifyResult contains the results of a verification run.
type VerifyResult struct {
	RecordsScanned int
	ReferenceCount int

	// MissingBlobs are keys referenced by a record with no blob behind
	// them; the play view would render "image unavailable" for these.
	MissingBlobs []string

	// OrphanBlobs are stored blobs no record references.
	OrphanBlobs []string

	PrunedCount int
	FailedCount int
}

// runVerify cross-checks the metadata records against the blob store:
// every reference must resolve, and every stored blob should be
// referenced. Orphans are only deleted with --prune.
func runVerify(opts Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	if !*verifyDryRun && !*verifyPrune {
		// Report-only is the safe default when neither flag is given.
		*verifyDryRun = true
	}
	if *verifyDryRun && *verifyPrune {
		return fmt.Errorf("cannot specify both --dry-run and --prune")
	}
	if *verifyVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	logger := log.WithField("command", "verify")

	ctx := context.Background()

	meta, err := openMeta(cfg)
	if err != nil {
		return err
	}
	defer meta.Close()

	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	result, err := verifyReferences(ctx, meta, blobs, *verifyPrune, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"records_scanned": result.RecordsScanned,
		"references":      result.ReferenceCount,
		"missing":         len(result.MissingBlobs),
		"orphans":         len(result.OrphanBlobs),
		"pruned":          result.PrunedCount,
		"failed":          result.FailedCount,
	}).Info("verification complete")

	for _, key := range result.MissingBlobs {
		fmt.Printf("MISSING  %s\n", key)
	}
	for _, key := range result.OrphanBlobs {
		fmt.Printf("ORPHAN   %s\n", key)
	}

	if *verifyDryRun && len(result.OrphanBlobs) > 0 {
		logger.Info("run with --prune to delete orphaned blobs")
	}
	if len(result.MissingBlobs) > 0 {
		return fmt.Errorf("%d references do not resolve", len(result.MissingBlobs))
	}
	return nil
}

// verifyReferences walks the instructor records, collects every image
// reference, and compares the set against the blobs actually stored.
func verifyReferences(ctx context.Context, meta *metastore.Store, blobs blobstore.Store, prune bool, logger logrus.FieldLogger) (*VerifyResult, error) {
	result := &VerifyResult{}

	referenced := make(map[string]bool)
	collect := func(slots []imagestore.MigratableSlot) {
		for _, ms := range slots {
			if ms.Slot.HasReference() {
				referenced[ms.Slot.ImageKey] = true
				result.ReferenceCount++
			}
		}
	}

	var walls imagestore.WallImages
	if ok, err := loadRecord(meta, imagestore.KeyRoomImagesByWall, &walls, result, logger); err != nil {
		return nil, err
	} else if ok {
		collect(walls.MigratableSlots())
	}

	var elements imagestore.RoomElements
	if ok, err := loadRecord(meta, imagestore.KeyRoomElementsByID, &elements, result, logger); err != nil {
		return nil, err
	} else if ok {
		collect(elements.MigratableSlots())
	}

	var finals imagestore.FinalQuestions
	if ok, err := loadRecord(meta, imagestore.KeyFinalQuestionByGroup, &finals, result, logger); err != nil {
		return nil, err
	} else if ok {
		collect(finals.MigratableSlots())
	}

	// Step 1: every reference must have a blob behind it.
	for key := range referenced {
		if _, err := blobs.Get(ctx, key); err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				result.MissingBlobs = append(result.MissingBlobs, key)
				continue
			}
			return nil, fmt.Errorf("failed to check blob %q: %w", key, err)
		}
	}

	// Step 2: every stored blob should be referenced. Only the local
	// backend can enumerate its keys.
	lister, ok := blobs.(interface {
		Keys(ctx context.Context) ([]string, error)
	})
	if !ok {
		logger.Debug("blob backend cannot list keys, skipping orphan scan")
		return result, nil
	}

	keys, err := lister.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	for _, key := range keys {
		if referenced[key] {
			continue
		}
		result.OrphanBlobs = append(result.OrphanBlobs, key)
		if !prune {
			continue
		}
		if err := blobs.Delete(ctx, key); err != nil {
			logger.WithError(err).WithField("key", key).Error("failed to prune orphaned blob")
			result.FailedCount++
			continue
		}
		result.PrunedCount++
		logger.WithField("key", key).Info("pruned orphaned blob")
	}

	return result, nil
}

// loadRecord reads one well-known record into out. A missing record is
// not an error; a malformed one aborts verification since the findings
// would be meaningless.
func loadRecord(meta *metastore.Store, key string, out any, result *VerifyResult, logger logrus.FieldLogger) (bool, error) {
	found, err := meta.Load(key, out)
	if err != nil {
		return false, fmt.Errorf("failed to read record %q: %w", key, err)
	}
	if !found {
		logger.WithField("record", key).Debug("record absent, skipping")
		return false, nil
	}
	result.RecordsScanned++
	return true, nil
}
