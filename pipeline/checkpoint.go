package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/minio/highwayhash"
)

// checkpointKey keys the integrity hash. The value is fixed: the hash
// detects corruption and truncation, not tampering.
var checkpointKey = []byte("canidatlas/sc checkpoint v1 key.")

func init() {
	recordiozstd.Init()
}

// SaveCheckpoint writes a snapshot as a two-record zstd recordio file: the
// gob-encoded snapshot and its highwayhash checksum.
func SaveCheckpoint(ctx context.Context, path string, snap *Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.E(err, "encode snapshot")
	}
	payload := buf.Bytes()
	sum := make([]byte, 8)
	binary.BigEndian.PutUint64(sum, highwayhash.Sum64(payload, checkpointKey))

	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	e := errors.Once{}
	rio := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	rio.Append(payload)
	rio.Append(sum)
	e.Set(rio.Finish())
	e.Set(out.Close(ctx))
	if e.Err() == nil {
		log.Printf("pipeline: wrote %s checkpoint to %s (%d bytes)", snap.Stage, path, len(payload))
	}
	return e.Err()
}

// LoadCheckpoint reads a snapshot back, verifying the checksum before
// decoding.
func LoadCheckpoint(ctx context.Context, path string) (snap *Snapshot, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	sc := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	if !sc.Scan() {
		return nil, errors.E(fmt.Sprintf("%s: empty or unreadable checkpoint", path), sc.Err())
	}
	payload := append([]byte(nil), sc.Get().([]byte)...)
	if !sc.Scan() {
		return nil, errors.E(fmt.Sprintf("%s: checkpoint missing checksum record", path), sc.Err())
	}
	sum := sc.Get().([]byte)
	if len(sum) != 8 {
		return nil, errors.E(fmt.Sprintf("%s: malformed checksum record (%d bytes)", path, len(sum)))
	}
	want := binary.BigEndian.Uint64(sum)
	if got := highwayhash.Sum64(payload, checkpointKey); got != want {
		return nil, errors.E(fmt.Sprintf("%s: checkpoint checksum mismatch (corrupt file?)", path))
	}
	snap = &Snapshot{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(snap); err != nil {
		return nil, errors.E(err, fmt.Sprintf("%s: decode snapshot", path))
	}
	return snap, nil
}

// CheckpointPath names a stage's checkpoint under a run directory.
func CheckpointPath(dir string, stage Stage) string {
	return file.Join(dir, string(stage)+".ckpt.rio")
}
