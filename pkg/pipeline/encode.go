package pipeline

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/kumonrecept/turnpipe/pkg/gateway"
)

func encodePayload(p gateway.OutboundPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func durationMs(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
