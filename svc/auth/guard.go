package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	// MaxSecretLength bounds passwords in bytes.
	MaxSecretLength = 1024
	saltLength      = 16
	keyLength       = 32
)

var (
	ErrSecretTooLong = errors.New("secret too long")
	ErrStopped       = errors.New("guard is shutting down")
	ErrNotStarted    = errors.New("guard not started - call Start() first")
)

// Guard salts, hashes and verifies paste passwords. The digest is
// argon2id(HMAC-SHA256(pepper, secret), salt). Protect runs on a fixed pool
// of workers so a burst of creations cannot pin every CPU.
type Guard struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	pepper      []byte
	verifyFloor time.Duration
	mu          sync.RWMutex
	jobQueue    chan protectJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}

type protectJob struct {
	secret string
	resp   chan protectResult
}

type protectResult struct {
	salt   string
	digest string
	err    error
}

func NewGuard(time, memory uint32, parallelism uint8, pepper []byte) (*Guard, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Guard{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		pepper:      pepperCopy,
		jobQueue:    make(chan protectJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

// SetVerifyFloor makes every Verify call take at least d.
func (g *Guard) SetVerifyFloor(d time.Duration) {
	g.verifyFloor = d
}

func (g *Guard) Start(workers int) error {
	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.started {
		return errors.New("guard already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go g.worker()
	}
	g.started = true
	return nil
}

func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.quit)
		g.wg.Wait()
		g.mu.Lock()
		wipe(g.pepper)
		g.pepper = nil
		g.mu.Unlock()
	})
}

func (g *Guard) worker() {
	defer g.wg.Done()
	for {
		select {
		case job := <-g.jobQueue:
			salt, digest, err := g.protect(job.secret)
			job.resp <- protectResult{salt: salt, digest: digest, err: err}
		case <-g.quit:
			return
		}
	}
}

func (g *Guard) Protect(secret string) (salt, digest string, err error) {
	g.startMu.Lock()
	started := g.started
	g.startMu.Unlock()
	if !started {
		return "", "", ErrNotStarted
	}
	if len(secret) > MaxSecretLength {
		return "", "", ErrSecretTooLong
	}
	resp := make(chan protectResult, 1)
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	select {
	case g.jobQueue <- protectJob{secret: secret, resp: resp}:
	case <-g.quit:
		return "", "", ErrStopped
	case <-timeout.C:
		return "", "", errors.New("protect queue full")
	}
	select {
	case res := <-resp:
		return res.salt, res.digest, res.err
	case <-g.quit:
		return "", "", ErrStopped
	case <-timeout.C:
		return "", "", errors.New("protect timeout")
	}
}

func (g *Guard) protect(secret string) (string, string, error) {
	peppered := g.applyPepper(secret)
	if peppered == nil {
		return "", "", ErrStopped
	}
	defer wipe(peppered)
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", "", errors.Wrap(err, "read salt")
	}
	digest := argon2.IDKey(peppered, salt, g.iterations, g.memory, g.parallelism, keyLength)
	defer wipe(digest)
	return base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(digest), nil
}

// Verify reports whether secret matches the stored salt and digest.
// Malformed stored values never match.
func (g *Guard) Verify(secret, salt, digest string) (bool, error) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed < g.verifyFloor {
			time.Sleep(g.verifyFloor - elapsed)
		}
	}()
	if len(secret) > MaxSecretLength {
		return false, nil
	}
	rawSalt, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil || len(rawSalt) < saltLength {
		return false, nil
	}
	expected, err := base64.RawStdEncoding.DecodeString(digest)
	if err != nil || len(expected) != keyLength {
		return false, nil
	}
	peppered := g.applyPepper(secret)
	if peppered == nil {
		return false, ErrStopped
	}
	defer wipe(peppered)
	actual := argon2.IDKey(peppered, rawSalt, g.iterations, g.memory, g.parallelism, keyLength)
	defer wipe(actual)
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

func (g *Guard) applyPepper(secret string) []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, g.pepper)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
