package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const ipHashPrefixLen = 16

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// IPHasher turns a client address into a short keyed digest. Keys are
// derived per epoch from the pepper, so digests only correlate within one
// rotation interval.
type IPHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	now              func() time.Time
	mu               sync.RWMutex
	currentKey       []byte
	currentEpoch     int64
	stopChan         chan struct{}
	stopOnce         sync.Once
	stopped          bool
}

func NewIPHasher(pepper []byte, rotationInterval time.Duration) (*IPHasher, error) {
	if rotationInterval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IPHasher{
		rotationInterval: rotationInterval,
		pepper:           make([]byte, len(pepper)),
		now:              time.Now,
		stopChan:         make(chan struct{}),
	}
	copy(h.pepper, pepper)
	h.rotate(h.now())
	return h, nil
}

// Start runs the rotation loop until Stop.
func (h *IPHasher) Start() {
	go h.rotationLoop()
}

func (h *IPHasher) HashIP(ip string) (string, error) {
	if h.epoch(h.now()) != h.currentEpochValue() {
		h.rotate(h.now())
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.currentKey)
	mac.Write([]byte(ip))
	sum := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%d:%s", h.currentEpoch, sum[:ipHashPrefixLen]), nil
}

func (h *IPHasher) currentEpochValue() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentEpoch
}

func (h *IPHasher) epoch(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IPHasher) rotate(t time.Time) {
	epoch := h.epoch(t)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || (h.currentKey != nil && epoch == h.currentEpoch) {
		return
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(fmt.Sprintf("ip-hasher-v1:%d", epoch)))
	if h.currentKey != nil {
		Wipe(h.currentKey)
	}
	h.currentKey = mac.Sum(nil)
	h.currentEpoch = epoch
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			before := h.currentEpochValue()
			h.rotate(h.now())
			if after := h.currentEpochValue(); after != before {
				Debug().Int64("epoch", after).Msg("rotated IP hasher key")
			}
		}
	}
}

func (h *IPHasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stopped = true
		Wipe(h.currentKey)
		Wipe(h.pepper)
		h.currentKey = nil
	})
}
