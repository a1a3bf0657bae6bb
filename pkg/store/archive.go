package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// s3Putter is the slice of the S3 client the archive uses.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// CheckpointArchive exports compaction checkpoints to an S3 bucket so a
// pruned journal's fact snapshot survives the loss of every device.
type CheckpointArchive struct {
	client s3Putter
	bucket string
	prefix string
}

// NewCheckpointArchive builds an archive from the ambient AWS credential
// chain. Returns nil when no bucket is configured.
func NewCheckpointArchive(ctx context.Context, cfg config.ArchiveConfig) (*CheckpointArchive, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("store: aws config: %w", err)
	}
	return &CheckpointArchive{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Export uploads one checkpoint snapshot and returns its object key.
func (a *CheckpointArchive) Export(ctx context.Context, account types.AccountID, checkpoint types.Hash32, snapshot []byte) (string, error) {
	key := path.Join(a.prefix, account.String(), checkpoint.String()+".snap")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(snapshot),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("store: archive checkpoint %s: %w", checkpoint, err)
	}
	return key, nil
}

// SnapshotFacts renders the fact store as a length-prefixed batch of
// canonical fact envelopes, the payload Export ships.
func SnapshotFacts(s *fact.Store) ([]byte, error) {
	snapshot := s.Snapshot()
	w := wire.NewWriter()
	w.U32(uint32(len(snapshot)))
	for _, f := range snapshot {
		raw, err := fact.EncodeFact(f)
		if err != nil {
			return nil, err
		}
		w.Bytes(raw)
	}
	return w.Finish(), nil
}

// ExportOnCheckpoint returns a journal observer that uploads the account's
// fact snapshot whenever a compaction checkpoint commits, so the pruned
// history's folded state survives the loss of every device. The upload runs
// inline with the checkpoint append; compaction is rare and the snapshot
// must not race later folds.
func (a *CheckpointArchive) ExportOnCheckpoint(j *journal.Journal, log *slog.Logger) journal.Observer {
	return func(e *journal.Event) {
		cp, ok := e.Payload.(*journal.CompactionCheckpoint)
		if !ok {
			return
		}
		snapshot, err := SnapshotFacts(j.Facts())
		if err != nil {
			log.Error("checkpoint snapshot failed", "checkpoint", cp.CheckpointHash, "err", err)
			return
		}
		key, err := a.Export(context.Background(), j.Account(), cp.CheckpointHash, snapshot)
		if err != nil {
			log.Error("checkpoint export failed", "checkpoint", cp.CheckpointHash, "err", err)
			return
		}
		log.Info("checkpoint archived", "checkpoint", cp.CheckpointHash, "key", key)
	}
}
