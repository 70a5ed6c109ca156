// Package snapshot persists the whole network as a zstd-compressed file: one
// JSON header line followed by the JSON state.
package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"gigflow/address"
	"gigflow/network"
)

// Version of the file layout.
const Version = 1

var ErrVersion = errors.New("snapshot: unsupported version")

type Header struct {
	Version int             `json:"version"`
	Root    address.Address `json:"root"`
	Master  address.Address `json:"master"`
	Seq     uint64          `json:"seq"`
	TakenAt time.Time       `json:"takenAt"`
}

type Snapshot struct {
	Header Header        `json:"header"`
	State  network.State `json:"state"`
}

// Take exports net. It fails with network.ErrBusy while messages are queued.
func Take(net *network.Network, root, master address.Address, now time.Time) (Snapshot, error) {
	st, err := net.Export()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Header: Header{Version: Version, Root: root, Master: master, Seq: st.Seq, TakenAt: now.UTC()},
		State:  st,
	}, nil
}

// Write replaces path atomically.
func Write(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := write(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func write(path string, snap Snapshot) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(snap.State); err != nil {
		return fmt.Errorf("snapshot: encode state: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func Read(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("snapshot: header: %w", err)
	}
	if err := json.Unmarshal(line, &snap.Header); err != nil {
		return snap, fmt.Errorf("snapshot: header: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, snap.Header.Version)
	}
	if err := json.NewDecoder(br).Decode(&snap.State); err != nil {
		return snap, fmt.Errorf("snapshot: decode state: %w", err)
	}
	return snap, nil
}

// Restore imports snap into net, whose templates must already be registered.
func Restore(net *network.Network, snap Snapshot) error {
	return net.Import(snap.State)
}
