// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpmbackend_test

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/testutil"
)

type probeSuite struct{}

var _ = Suite(&probeSuite{})

func header(tag tpm2.StructTag, size uint32, code uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(b, uint16(tag))
	binary.BigEndian.PutUint32(b[2:], size)
	binary.BigEndian.PutUint32(b[6:], code)
	return b
}

func (s *probeSuite) TestTestTPMDevTPM2(c *C) {
	dev := testutil.NewFakeDevice()

	version, err := TestTPMDev(dev)
	c.Check(err, IsNil)
	c.Check(version, Equals, Version2_0)

	cmds := dev.Commands()
	c.Assert(cmds, HasLen, 1)
	c.Check(cmds[0], DeepEquals, header(tpm2.TagNoSessions, HeaderSize, uint32(tpm2.CommandReadClock)))
}

func (s *probeSuite) TestTestTPMDevTPM12(c *C) {
	dev := testutil.NewFakeDevice()
	dev.Tag = uint16(TagRspCommand)

	version, err := TestTPMDev(dev)
	c.Check(err, IsNil)
	c.Check(version, Equals, Version1_2)

	cmds := dev.Commands()
	c.Assert(cmds, HasLen, 2)
	c.Check(cmds[0], DeepEquals, header(tpm2.TagNoSessions, HeaderSize, uint32(tpm2.CommandReadClock)))
	c.Check(cmds[1], DeepEquals, header(TagRQUCommand, HeaderSize, 0xf1))
}

func (s *probeSuite) TestTestTPMDevUnknownTag(c *C) {
	dev := testutil.NewFakeDevice()
	dev.Tag = 0x1234

	version, err := TestTPMDev(dev)
	c.Check(version, Equals, VersionUnspecified)
	c.Check(err, ErrorMatches, `device is not a TPM: unexpected response tag 0x1234`)

	var e *ProbeError
	c.Check(err, testutil.ErrorAs, &e)
	c.Check(dev.Commands(), HasLen, 2)
}

func (s *probeSuite) TestTestTPMDevWriteError(c *C) {
	dev := testutil.NewFakeDevice()
	dev.WriteHook = func(_ []byte) error {
		return io.ErrClosedPipe
	}

	_, err := TestTPMDev(dev)
	c.Check(err, ErrorMatches, `device is not a TPM: cannot send request: io: read/write on closed pipe`)
	c.Check(err, testutil.ErrorIs, io.ErrClosedPipe)
}

func (s *probeSuite) TestTestTPMDevNoResponse(c *C) {
	dev := testutil.NewFakeDevice()
	dev.Handler = func(_ []byte) []byte {
		return nil
	}

	_, err := TestTPMDev(dev)
	c.Check(err, ErrorMatches, `device is not a TPM: cannot wait for response: timeout`)
	c.Check(dev.Reads(), Equals, 0)
}

func (s *probeSuite) TestTestTPMDevShortResponse(c *C) {
	dev := testutil.NewFakeDevice()
	dev.Handler = func(_ []byte) []byte {
		return []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x06}
	}

	_, err := TestTPMDev(dev)
	c.Check(err, ErrorMatches, `device is not a TPM: invalid TPM response: response too short \(6 bytes\)`)
	c.Check(err, testutil.ErrorIs, ErrInvalidResponse)
}

func (s *probeSuite) TestRequestSizeMismatch(c *C) {
	dev := testutil.NewFakeDevice()
	dev.Handler = func(_ []byte) []byte {
		return header(tpm2.TagNoSessions, 12, 0)
	}

	rsp := make([]byte, 64)
	n, err := Request(dev, header(tpm2.TagNoSessions, HeaderSize, uint32(tpm2.CommandReadClock)), rsp)
	c.Check(n, Equals, HeaderSize)
	c.Check(err, ErrorMatches, `invalid TPM response: response size field is 12 but 10 bytes were read`)
}

func (s *probeSuite) TestRequest(c *C) {
	expected := append(header(tpm2.TagNoSessions, 14, 0), 0xde, 0xad, 0xbe, 0xef)

	dev := testutil.NewFakeDevice()
	dev.Handler = func(_ []byte) []byte {
		return expected
	}

	rsp := make([]byte, 64)
	n, err := Request(dev, header(tpm2.TagNoSessions, HeaderSize, uint32(tpm2.CommandReadClock)), rsp)
	c.Check(err, IsNil)
	c.Check(rsp[:n], DeepEquals, expected)
}

type mockReadWriter struct {
	rsp     []byte
	readErr error
}

func (rw *mockReadWriter) Write(data []byte) (int, error) {
	return len(data), nil
}

func (rw *mockReadWriter) Read(data []byte) (int, error) {
	if rw.readErr != nil {
		return 0, rw.readErr
	}
	return copy(data, rw.rsp), nil
}

func (s *probeSuite) TestRequestReadError(c *C) {
	rw := &mockReadWriter{readErr: errors.New("some error")}
	_, err := Request(rw, header(tpm2.TagNoSessions, HeaderSize, 0), make([]byte, 64))
	c.Check(err, ErrorMatches, `cannot read response: some error`)
}

type getBufferSizeData struct {
	version  Version
	rsp      interface{}
	expected int
}

func (s *probeSuite) testGetBufferSize(c *C, data *getBufferSizeData) []byte {
	var cmd []byte
	dev := testutil.NewFakeDevice()
	dev.Handler = func(in []byte) []byte {
		cmd = in
		return mu.MustMarshalToBytes(data.rsp)
	}

	size, err := GetBufferSize(dev, data.version)
	c.Check(err, IsNil)
	c.Check(size, Equals, data.expected)
	return cmd
}

type tpm2CapRsp struct {
	Hdr        tpm2.ResponseHeader
	MoreData   uint8
	Capability tpm2.Capability
	Count      uint32
	Property1  uint32
	Value1     uint32
	Property2  uint32
	Value2     uint32
}

type tpm12CapRsp struct {
	Hdr        tpm2.ResponseHeader
	Len        uint32
	BufferSize uint32
}

func (s *probeSuite) TestGetBufferSizeTPM2(c *C) {
	cmd := s.testGetBufferSize(c, &getBufferSizeData{
		version: Version2_0,
		rsp: tpm2CapRsp{
			Hdr:        tpm2.ResponseHeader{Tag: tpm2.TagNoSessions, ResponseSize: 35},
			Capability: tpm2.CapabilityTPMProperties,
			Count:      2,
			Property1:  0x11e,
			Value1:     3072,
			Property2:  0x11f,
			Value2:     2048},
		expected: 3072})
	c.Check(cmd, DeepEquals, []byte{
		0x80, 0x01, 0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x01, 0x7a,
		0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x01, 0x1e, 0x00, 0x00, 0x00, 0x02})
}

func (s *probeSuite) TestGetBufferSizeTPM2LargerResponseBuffer(c *C) {
	s.testGetBufferSize(c, &getBufferSizeData{
		version: Version2_0,
		rsp: tpm2CapRsp{
			Hdr:        tpm2.ResponseHeader{Tag: tpm2.TagNoSessions, ResponseSize: 35},
			Capability: tpm2.CapabilityTPMProperties,
			Count:      2,
			Property1:  0x11e,
			Value1:     1024,
			Property2:  0x11f,
			Value2:     4096},
		expected: 4096})
}

func (s *probeSuite) TestGetBufferSizeTPM12(c *C) {
	cmd := s.testGetBufferSize(c, &getBufferSizeData{
		version: Version1_2,
		rsp: tpm12CapRsp{
			Hdr:        tpm2.ResponseHeader{Tag: TagRspCommand, ResponseSize: 18},
			Len:        4,
			BufferSize: 1280},
		expected: 1280})
	c.Check(cmd, DeepEquals, []byte{
		0x00, 0xc1, 0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x00, 0x65,
		0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x01, 0x24})
}

func (s *probeSuite) TestGetBufferSizeErrorResponse(c *C) {
	dev := testutil.NewFakeDevice()
	dev.Handler = func(_ []byte) []byte {
		return header(tpm2.TagNoSessions, HeaderSize, 0x101)
	}

	_, err := GetBufferSize(dev, Version2_0)
	c.Check(err, ErrorMatches, `invalid TPM response: unexpected response to TPM2_GetCapability \(size 10, errcode 0x101\)`)
}

func (s *probeSuite) TestGetBufferSizeUnspecified(c *C) {
	_, err := GetBufferSize(testutil.NewFakeDevice(), VersionUnspecified)
	c.Check(err, ErrorMatches, `unsupported TPM version unspecified`)
}
