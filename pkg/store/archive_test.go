package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/crypto"
	"github.com/aura-dev/aura/pkg/effects/effectstest"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/types"
)

func configFor(backend string) config.StorageConfig {
	return config.StorageConfig{Backend: backend, Path: ":memory:"}
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveExport(t *testing.T) {
	putter := &fakePutter{}
	a := &CheckpointArchive{client: putter, bucket: "aura-checkpoints", prefix: "prod"}

	var account types.AccountID
	account[0] = 0xAA
	var checkpoint types.Hash32
	checkpoint[0] = 0xCC

	key, err := a.Export(context.Background(), account, checkpoint, []byte("snapshot-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "prod/"+account.String()+"/"+checkpoint.String()+".snap", key)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "aura-checkpoints", *in.Bucket)
	assert.Equal(t, key, *in.Key)
	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-bytes"), body)
}

func TestArchiveExportsOnCompaction(t *testing.T) {
	suite := crypto.NewSuite(effectstest.NewSeededRandom(0xA7C4))
	account := types.AccountID(suite.Hash([]byte("account")))
	pub, priv, err := suite.GenerateKeypair()
	require.NoError(t, err)
	device := types.AuthorityID(suite.Hash(pub))

	set := authority.NewSet()
	j := journal.New(account, effectstest.NewMemoryStorage(), fact.DefaultRegistry(),
		&journal.SetAuthorizer{Set: set, Crypto: suite},
		journal.WithObserver(journal.TrackSet(set)))

	putter := &fakePutter{}
	a := &CheckpointArchive{client: putter, bucket: "aura-checkpoints", prefix: "prod"}
	j.AddObserver(a.ExportOnCheckpoint(j, slog.Default()))

	ctx := context.Background()
	write := func(p journal.Payload, auth journal.Authorization) {
		t.Helper()
		e := &journal.Event{
			Account:   account,
			Authority: device,
			Epoch:     j.Epoch(),
			Nonce:     j.NextNonce(device),
			Payload:   p,
		}
		if head, ok := j.Head(device); ok {
			e.Parent = &head
		}
		if auth.Tag == journal.AuthTagSignature {
			sig, err := suite.Sign(priv, e.SigningBytes())
			require.NoError(t, err)
			auth.Signature = sig
		}
		e.Auth = auth
		_, err := j.Append(ctx, e)
		require.NoError(t, err)
	}

	write(&journal.AuthorityRegistered{Authority: device, PublicKey: pub, Caps: uint64(capability.Top), Role: "device"},
		journal.Authorization{Tag: journal.AuthTagLifecycle})
	signed := journal.Authorization{Tag: journal.AuthTagSignature}
	write(&journal.DKDRootPinned{Root: types.Hash32(suite.Hash([]byte("root"))), AtEpoch: 0}, signed)
	write(&journal.EpochAdvanced{NewEpoch: 1, CeremonyID: types.CeremonyID{7}}, signed)

	// Nothing exported before the checkpoint commits.
	assert.Empty(t, putter.inputs)

	checkpoint := types.Hash32(suite.Hash([]byte("checkpoint")))
	write(&journal.CompactionCheckpoint{CheckpointHash: checkpoint, PrunedEpoch: 0}, signed)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "prod/"+account.String()+"/"+checkpoint.String()+".snap", *in.Key)
	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	snapshot, err := SnapshotFacts(j.Facts())
	require.NoError(t, err)
	assert.Equal(t, snapshot, body)
}

func TestArchiveExportError(t *testing.T) {
	a := &CheckpointArchive{client: &fakePutter{err: assert.AnError}, bucket: "b"}
	_, err := a.Export(context.Background(), types.AccountID{}, types.Hash32{}, nil)
	assert.Error(t, err)
}

func TestArchiveDisabledWithoutBucket(t *testing.T) {
	a, err := NewCheckpointArchive(context.Background(), config.ArchiveConfig{})
	require.NoError(t, err)
	assert.Nil(t, a)
}
