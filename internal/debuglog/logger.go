package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	global  *zap.Logger
	once    sync.Once
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("TGOSSIP_DEBUG") == "1"
}

func build() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	if enabled() {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// L returns the process logger, building it on first use.
func L() *zap.Logger {
	once.Do(func() {
		mu.Lock()
		if global == nil {
			global = build()
		}
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// SetLogger replaces the process logger and returns a func restoring the old one.
func SetLogger(l *zap.Logger) func() {
	L()
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	return func() {
		mu.Lock()
		global = prev
		mu.Unlock()
	}
}

func Sync() {
	_ = L().Sync()
}

func Logf(format string, args ...any) {
	L().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	l := L()
	if ce := l.Check(zap.DebugLevel, ""); ce == nil {
		return
	}
	l.Debug(fmt.Sprintf(format, args...))
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" || L().Check(zap.DebugLevel, "") == nil {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	L().Debug(fmt.Sprintf(format, args...))
}
