// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClamd is a minimal clamd INSTREAM server for exercising the wire
// protocol client against.
func fakeClamd(t *testing.T, reply string, foundAfterBytes int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		hdr, _ := br.ReadString('\000')
		if strings.HasPrefix(hdr, "zPING") {
			_, _ = conn.Write([]byte("PONG\000"))
			return
		}

		var total int
		for {
			lenBuf := make([]byte, 4)
			if _, err := io.ReadFull(br, lenBuf); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(lenBuf)
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(br, chunk); err != nil {
				return
			}
			total += int(n)
			if foundAfterBytes > 0 && total >= foundAfterBytes {
				_, _ = conn.Write([]byte(reply))
				return
			}
		}
		_, _ = conn.Write([]byte(reply))
	}()

	return ln.Addr().String()
}

func TestClamdScannerCleanReply(t *testing.T) {
	addr := fakeClamd(t, "stream: OK\n", 0)
	s := NewClamdScanner(addr, 2*time.Second)

	res, err := s.Scan(context.Background(), strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, Clean, res.Verdict)
}

func TestClamdScannerInfectedReply(t *testing.T) {
	addr := fakeClamd(t, "stream: Eicar-Test-Signature FOUND\n", 0)
	s := NewClamdScanner(addr, 2*time.Second)

	payload := strings.NewReader(strings.Repeat("X", 128))
	res, err := s.Scan(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, Infected, res.Verdict)
	assert.Equal(t, "Eicar-Test-Signature", res.Detail)
}

func TestClamdScannerEarlyVerdictStopsSending(t *testing.T) {
	// The server replies FOUND after seeing only the first chunk; the
	// client must accept the verdict without needing to finish sending
	// the (very large) remainder of the stream.
	addr := fakeClamd(t, "stream: Win.Test.EICAR_HDB-1 FOUND\n", 16)
	s := NewClamdScanner(addr, 2*time.Second)

	large := io.LimitReader(infiniteReader{}, 256*1024*1024)
	res, err := s.Scan(context.Background(), large)
	require.NoError(t, err)
	assert.Equal(t, Infected, res.Verdict)
}

func TestClamdScannerPing(t *testing.T) {
	addr := fakeClamd(t, "PONG\000", 0)
	s := NewClamdScanner(addr, 2*time.Second)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestParseReplyError(t *testing.T) {
	res := parseReply("stream: UNABLE TO CONNECT ERROR\n")
	assert.Equal(t, Error, res.Verdict)
	assert.Equal(t, "UNABLE TO CONNECT", res.Detail)
}

type infiniteReader struct{}

func (infiniteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'A'
	}
	return len(p), nil
}

func TestNoOpScannerIsClean(t *testing.T) {
	res, err := (NoOp{}).Scan(context.Background(), strings.NewReader("anything"))
	require.NoError(t, err)
	assert.Equal(t, Clean, res.Verdict)
}

func TestFakeScannerReturnsConfiguredVerdict(t *testing.T) {
	f := Fake{Result: Result{Verdict: Infected, Detail: "Eicar-Test-Signature"}}
	res, err := f.Scan(context.Background(), strings.NewReader("eicar"))
	require.NoError(t, err)
	assert.Equal(t, Infected, res.Verdict)
	assert.Equal(t, "Eicar-Test-Signature", res.Detail)
}
