package stream

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Wire framing for the streaming synthesis protocol. Text frames carry
// CRLF-separated headers, a blank line, and a body. Binary frames start with
// a 2-byte big-endian header-block length, the header block in the same
// format, and the raw audio payload.

const (
	headerPath        = "Path"
	headerRequestID   = "X-RequestId"
	headerContentType = "Content-Type"

	pathSpeechConfig = "speech.config"
	pathSSML         = "ssml"
	pathTurnStart    = "turn.start"
	pathAudio        = "audio"
	pathMetadata     = "audio.metadata"
	pathTurnEnd      = "turn.end"
)

func encodeTextFrame(headers map[string]string, body string) []byte {
	var b strings.Builder
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func decodeTextFrame(data []byte) (headers map[string]string, body string, err error) {
	text := string(data)
	head, body, found := strings.Cut(text, "\r\n\r\n")
	if !found {
		return nil, "", fmt.Errorf("text frame missing header terminator")
	}
	headers, err = parseHeaders(head)
	if err != nil {
		return nil, "", err
	}
	return headers, body, nil
}

func encodeBinaryFrame(headers map[string]string, payload []byte) []byte {
	head := encodeTextFrame(headers, "")
	// encodeTextFrame terminates headers with a blank line; the binary
	// header block ends at the first CRLF pair.
	head = head[:len(head)-2]
	frame := make([]byte, 2+len(head)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(head)))
	copy(frame[2:], head)
	copy(frame[2+len(head):], payload)
	return frame
}

func decodeBinaryFrame(data []byte) (headers map[string]string, payload []byte, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	headLen := int(binary.BigEndian.Uint16(data))
	if 2+headLen > len(data) {
		return nil, nil, fmt.Errorf("binary frame header length %d exceeds frame size %d", headLen, len(data))
	}
	headers, err = parseHeaders(string(data[2 : 2+headLen]))
	if err != nil {
		return nil, nil, err
	}
	return headers, data[2+headLen:], nil
}

func parseHeaders(block string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, line := range strings.Split(block, "\r\n") {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers, nil
}
