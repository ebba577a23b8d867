package progress

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Log reports through a zap logger and cancels when ctx is done. It backs
// batches started over HTTP, where a client disconnect is the cancel signal.
type Log struct {
	CancelSignal

	logger *zap.Logger
	stop   chan struct{}
	once   sync.Once
}

func NewLog(ctx context.Context, logger *zap.Logger) *Log {
	l := &Log{logger: logger, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-l.stop:
				return
			default:
			}
			l.Cancel()
		case <-l.stop:
		}
	}()
	return l
}

func (l *Log) SetStatus(text string) {
	l.logger.Info("batch status", zap.String("status", text))
}

func (l *Log) SetTotal(n int) {
	l.logger.Info("batch total", zap.Int("total", n))
}

func (l *Log) SetProgress(done, total int) {
	l.logger.Debug("batch progress", zap.Int("done", done), zap.Int("total", total))
}

func (l *Log) SetError(text string) {
	l.logger.Warn("batch error", zap.String("error", text))
}

func (l *Log) Done(text string) {
	l.logger.Info("batch done", zap.String("summary", text))
}

// Remove detaches the context watcher.
func (l *Log) Remove() {
	l.once.Do(func() { close(l.stop) })
}
