package report

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *Report {
	r := New(time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC))
	r.FlashID = []byte{0xEF, 0x40, 0x15}
	r.FlashStatus = 0x00
	r.RTCID = 0x18
	r.RTCSeconds = 1709985600
	r.ProbeAddr = 0x04
	r.WriteAddr = 0x05
	r.Before = bytes.Repeat([]byte{0xff}, 15)
	r.AfterWrite = append([]byte{0xff}, EncodeSeconds(r.RTCSeconds)...)
	r.AfterWrite = append(r.AfterWrite, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	r.WrittenSeconds, _ = DecodeSeconds(r.AfterWrite, 1)
	r.AfterErase = bytes.Repeat([]byte{0xff}, 15)
	r.Record("read-id", 120*time.Microsecond, nil)
	r.Record("erase", 45*time.Millisecond, nil)
	return r
}

func TestSeconds(t *testing.T) {
	b := EncodeSeconds(0x0102030405060708)
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, b)
	secs, ok := DecodeSeconds(append([]byte{0xAA}, b...), 1)
	assert.True(t, ok)
	assert.Equal(t, int64(0x0102030405060708), secs)
	_, ok = DecodeSeconds(b, 1)
	assert.False(t, ok)
	_, ok = DecodeSeconds(b, -1)
	assert.False(t, ok)
}

func TestStepsOutcome(t *testing.T) {
	r := sampleReport()
	assert.True(t, r.OK())
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Failed())

	r.Record("program", time.Millisecond, errors.New("spiflash: timeout waiting for ready"))
	assert.False(t, r.OK())
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, "program", r.Failed()[0].Name)
	assert.ErrorContains(t, r.Err(), "program: spiflash: timeout")
}

func TestWriteText(t *testing.T) {
	r := sampleReport()
	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "before write:\r\nFF FF FF")
	assert.Contains(t, out, "flash ID: EF4015 status: 00\r\n")
	assert.Contains(t, out, "RTC ID: 18\r\n")
	assert.Contains(t, out, "writtenSecs: 1709985600\r\n")
	assert.Contains(t, out, "after write:\r\nFF 40 4F EC 65 00 00 00 00 FF")
	assert.True(t, strings.HasSuffix(out, "done\r\n"))
	assert.NotContains(t, out, "FFFFFF", "bytes must not sign extend")

	r.Record("verify", 0, errors.New("mismatch"))
	buf.Reset()
	require.NoError(t, r.WriteText(&buf))
	assert.Contains(t, buf.String(), "FAIL mismatch")
	assert.True(t, strings.HasSuffix(buf.String(), "failed\r\n"))
}

func TestCBOR(t *testing.T) {
	r := sampleReport()
	data, err := Marshal(r)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, got.RunID)
	assert.True(t, r.Started.Equal(got.Started))
	assert.Equal(t, r.FlashID, got.FlashID)
	assert.Equal(t, r.AfterWrite, got.AfterWrite)
	assert.Equal(t, r.WrittenSeconds, got.WrittenSeconds)
	assert.Equal(t, r.Steps, got.Steps)

	var stream bytes.Buffer
	enc := NewEncoder(&stream)
	require.NoError(t, enc.Encode(r))
	require.NoError(t, enc.Encode(sampleReport()))
	dec := NewDecoder(&stream)
	var a, b Report
	require.NoError(t, dec.Decode(&a))
	require.NoError(t, dec.Decode(&b))
	assert.Equal(t, r.RunID, a.RunID)
	assert.NotEqual(t, a.RunID, b.RunID)
}

// readPacket reads one MQTT control packet and returns its first header byte
// and body.
func readPacket(r *bufio.Reader) (byte, []byte, error) {
	hdr, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var n, shift int
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		n |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	body := make([]byte, n)
	_, err = io.ReadFull(r, body)
	return hdr, body, err
}

func TestPublisher(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type packet struct {
		hdr  byte
		body []byte
	}
	packets := make(chan packet, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer close(packets)
		br := bufio.NewReader(conn)
		for {
			hdr, body, err := readPacket(br)
			if err != nil {
				return
			}
			packets <- packet{hdr, body}
			if hdr>>4 == 1 { // CONNECT
				conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := Dial(ctx, ln.Addr().String(), "flashdiag-test", "board/flash", nil)
	require.NoError(t, err)

	r := sampleReport()
	require.NoError(t, pub.Publish(r))
	want, err := Marshal(r)
	require.NoError(t, err)

	connect := <-packets
	assert.Equal(t, byte(1), connect.hdr>>4)
	publish := <-packets
	assert.Equal(t, byte(3), publish.hdr>>4)
	assert.True(t, bytes.Contains(publish.body, []byte("board/flash")))
	assert.True(t, bytes.HasSuffix(publish.body, want))
	pub.Close()
}

func TestPublisherEmptyTopic(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	_, err := NewPublisher(context.Background(), a, "id", "", nil)
	assert.Error(t, err)
}
