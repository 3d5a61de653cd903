// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package emulator

import (
	"fmt"
	"io"

	"github.com/canonical/go-tpm2/mu"

	"github.com/canonical/go-tpmbackend/ptm"
)

// MaxBlobSize is the largest state blob that will be accepted.
const MaxBlobSize = 16 * 1024 * 1024

// StateVersion is the version of the serialized state written by SaveState.
const StateVersion = 0

// Blob is a TPM state blob along with the flags that describe its
// encoding. An empty blob always has nil Data.
type Blob struct {
	Flags uint32
	Data  []byte
}

// Reset zeroes and releases the blob's data.
func (b *Blob) Reset() {
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.Data = nil
	b.Flags = 0
}

// Empty indicates whether the blob holds no data.
func (b *Blob) Empty() bool {
	return len(b.Data) == 0
}

// StateBlobs holds the state of an emulated TPM while it is being migrated.
type StateBlobs struct {
	Permanent Blob
	Volatile  Blob
	Savestate Blob
}

var blobTypes = []ptm.BlobType{ptm.BlobTypePermanent, ptm.BlobTypeVolatile, ptm.BlobTypeSavestate}

// Blob returns the blob of the supplied type.
func (s *StateBlobs) Blob(t ptm.BlobType) *Blob {
	switch t {
	case ptm.BlobTypePermanent:
		return &s.Permanent
	case ptm.BlobTypeVolatile:
		return &s.Volatile
	case ptm.BlobTypeSavestate:
		return &s.Savestate
	default:
		return nil
	}
}

// Reset releases all of the blobs.
func (s *StateBlobs) Reset() {
	s.Permanent.Reset()
	s.Volatile.Reset()
	s.Savestate.Reset()
}

// Marshal writes the blobs to w. Each blob is written as its flags and
// length as big-endian 32-bit integers followed by its data.
func (s *StateBlobs) Marshal(w io.Writer) error {
	for _, t := range blobTypes {
		b := s.Blob(t)
		if _, err := mu.MarshalToWriter(w, b.Flags, uint32(len(b.Data)), mu.RawBytes(b.Data)); err != nil {
			return fmt.Errorf("cannot marshal %v blob: %w", t, err)
		}
	}
	return nil
}

// Unmarshal reads blobs written by Marshal from r. On error, all of the
// blobs are reset.
func (s *StateBlobs) Unmarshal(r io.Reader) (err error) {
	s.Reset()
	defer func() {
		if err != nil {
			s.Reset()
		}
	}()

	for _, t := range blobTypes {
		var flags, size uint32
		if _, err := mu.UnmarshalFromReader(r, &flags, &size); err != nil {
			return fmt.Errorf("cannot unmarshal %v blob header: %w", t, err)
		}
		if size > MaxBlobSize {
			return fmt.Errorf("cannot unmarshal %v blob: size %d too large", t, size)
		}

		b := s.Blob(t)
		b.Flags = flags
		if size == 0 {
			continue
		}
		b.Data = make([]byte, size)
		if _, err := io.ReadFull(r, b.Data); err != nil {
			return fmt.Errorf("cannot unmarshal %v blob: %w", t, err)
		}
	}
	return nil
}

func (e *Emulator) getStateBlob(t ptm.BlobType, blob *Blob) error {
	blob.Reset()

	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	req := ptm.GetStateRequest{
		StateFlags: ptm.StateFlagDecrypted,
		Type:       t}
	var rsp ptm.GetStateResponse
	if err := e.ctrlCmdLocked(ptm.CmdGetStateBlob, &req, &rsp, 0, nil); err != nil {
		return fmt.Errorf("cannot get %v state blob: %w", t, err)
	}
	if err := ptm.CheckResult(ptm.CmdGetStateBlob, rsp.Result); err != nil {
		return fmt.Errorf("cannot get %v state blob: %w", t, err)
	}
	if rsp.TotLength != rsp.Length {
		return fmt.Errorf("cannot get %v state blob: expected to read %d bytes but would get %d", t, rsp.TotLength, rsp.Length)
	}
	if rsp.TotLength > MaxBlobSize {
		return fmt.Errorf("cannot get %v state blob: size %d too large", t, rsp.TotLength)
	}

	var data []byte
	if rsp.TotLength > 0 {
		data = make([]byte, rsp.TotLength)
		if _, err := io.ReadFull(e.ctrl, data); err != nil {
			return fmt.Errorf("cannot read %v state blob: %w", t, &ControlError{Command: ptm.CmdGetStateBlob, err: err})
		}
	}

	blob.Flags = rsp.StateFlags
	blob.Data = data
	e.log.Debugf("got %v state blob: %d bytes, flags %#x", t, len(data), blob.Flags)
	return nil
}

func (e *Emulator) getStateBlobs() error {
	for _, t := range blobTypes {
		if err := e.getStateBlob(t, e.blobs.Blob(t)); err != nil {
			e.blobs.Reset()
			return err
		}
	}
	return nil
}

func (e *Emulator) setStateBlob(t ptm.BlobType, blob *Blob) error {
	if blob.Empty() {
		return nil
	}

	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	req := ptm.SetStateRequest{
		StateFlags: blob.Flags,
		Type:       t,
		Length:     uint32(len(blob.Data))}
	if err := e.ctrlCmdLocked(ptm.CmdSetStateBlob, &req, nil, 0, nil); err != nil {
		return fmt.Errorf("cannot set %v state blob: %w", t, err)
	}
	if _, err := e.ctrl.Write(blob.Data); err != nil {
		return fmt.Errorf("cannot write %v state blob: %w", t, &ControlError{Command: ptm.CmdSetStateBlob, err: err})
	}

	var rsp ptm.SetStateResponse
	if err := e.readResponseLocked(&rsp, 0); err != nil {
		return fmt.Errorf("cannot read response to writing %v state blob: %w", t, &ControlError{Command: ptm.CmdSetStateBlob, err: err})
	}
	if err := ptm.CheckResult(ptm.CmdSetStateBlob, rsp.Result); err != nil {
		return fmt.Errorf("cannot set %v state blob: %w", t, err)
	}

	e.log.Debugf("set %v state blob: %d bytes, flags %#x", t, len(blob.Data), blob.Flags)
	return nil
}

func (e *Emulator) setStateBlobs() error {
	if err := e.StopTPM(); err != nil {
		return err
	}
	if err := e.LockStorage(); err != nil {
		return err
	}
	for _, t := range blobTypes {
		if err := e.setStateBlob(t, e.blobs.Blob(t)); err != nil {
			return err
		}
	}
	return nil
}

// PreSave fetches the TPM's state blobs so that they can be migrated. It
// waits for the command in flight, if any, to complete and holds off new
// commands until the blobs have been fetched. If any blob cannot be
// fetched, all of them are discarded.
func (e *Emulator) PreSave() error {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.getStateBlobs()
	e.relockStorage = err == nil
	return err
}

// PostLoad restores the TPM's state from the loaded state blobs and then
// resumes the TPM.
func (e *Emulator) PostLoad(version int) error {
	if version != StateVersion {
		return fmt.Errorf("unsupported state version %d", version)
	}

	e.dataMu.Lock()
	defer e.dataMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.setStateBlobs(); err != nil {
		return fmt.Errorf("cannot restore TPM state: %w", err)
	}
	if err := e.startup(0, true); err != nil {
		return fmt.Errorf("cannot resume TPM: %w", err)
	}
	e.blobs.Reset()
	return nil
}

// SaveState writes the state blobs fetched by PreSave to w.
func (e *Emulator) SaveState(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blobs.Marshal(w)
}

// LoadState reads state blobs from r, to be restored by PostLoad.
func (e *Emulator) LoadState(r io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blobs.Unmarshal(r)
}

// VMStateChanged relocks the emulator's storage when the VM resumes
// running after an outgoing migration failed.
func (e *Emulator) VMStateChanged(running bool) {
	if !running {
		return
	}

	e.mu.Lock()
	relock := e.relockStorage
	e.relockStorage = false
	e.mu.Unlock()
	if !relock {
		return
	}

	if err := e.LockStorage(); err != nil {
		e.log.WithError(err).Error("cannot relock storage")
	}
}
