package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kumonrecept/turnpipe/pkg/kv"
)

const maxTextLen = 1000

var whitespaceRun = regexp.MustCompile(`\s+`)

// preprocessor trims, truncates, strips HTML/script fragments, and
// normalizes whitespace in an aggregated turn's text, and enforces a
// per-phone fixed-window rate limit ahead of the expensive classify
// step. The count restarts at each window boundary; it is not a rolling
// window.
type preprocessor struct {
	sanitizer  *bluemonday.Policy
	kv         kv.Store
	rateLimit  int
	rateWindow time.Duration
}

func newPreprocessor(store kv.Store, rateLimit int, rateWindow time.Duration) *preprocessor {
	return &preprocessor{
		sanitizer:  bluemonday.StrictPolicy(),
		kv:         store,
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
	}
}

// clean trims, HTML-strips, truncates, and whitespace-normalizes text.
func (p *preprocessor) clean(text string) string {
	stripped := p.sanitizer.Sanitize(text)
	stripped = whitespaceRun.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(stripped)
	if len(stripped) > maxTextLen {
		stripped = stripped[:maxTextLen]
	}
	return stripped
}

// rateKey buckets by phone and the current window, so each window's
// counter expires on its own rather than needing a separate reset call.
func rateKey(phone string, window time.Duration, now time.Time) string {
	bucket := now.UnixNano() / int64(window)
	return fmt.Sprintf("ratelimit:%s:%d", phone, bucket)
}

// allow reports whether phone is still under its budget for the current window,
// incrementing the window counter as a side effect. Fails open on a KV
// error, matching the rest of the pipeline's fail-open posture under
// storage outage.
func (p *preprocessor) allow(ctx context.Context, phone string, now time.Time) (bool, error) {
	if p.rateLimit <= 0 {
		return true, nil
	}

	key := rateKey(phone, p.rateWindow, now)
	count, err := p.kv.Incr(ctx, key, p.rateWindow)
	if err != nil {
		return true, nil
	}

	return count <= int64(p.rateLimit), nil
}
