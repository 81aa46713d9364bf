package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"

	iface "PeopleDetServer/interface"
	"PeopleDetServer/logger"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("engine pool closed")

const warmUpRounds = 3

type JobPackage struct {
	ctx    context.Context
	image  image.Image
	conf   float32
	Result chan jobResult
}

type jobResult struct {
	preds []iface.RawPrediction
	err   error
}

// Pool serves predictions from a fixed set of backends. Every backend is
// owned by one worker goroutine locked to its OS thread, so a native network
// is never used from two threads at once.
type Pool struct {
	JobQueue  chan JobPackage
	cfg       iface.EngineConfig
	workers   []iface.Backend
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates cfg.Workers backends with factory and starts serving them.
func NewPool(cfg iface.EngineConfig, factory func(id int) (iface.Backend, error)) (*Pool, error) {
	n := max(cfg.Workers, 1)
	p := &Pool{
		JobQueue: make(chan JobPackage, n),
		cfg:      cfg,
		closed:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		b, err := factory(i)
		if err != nil {
			_ = p.closeWorkers()
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, b)
	}
	if len(p.workers) > 0 {
		p.cfg = p.workers[0].CheckConfig()
	}
	if cfg.UseGPU {
		p.warmUp()
	}
	p.StartWorker()
	return p, nil
}

func (p *Pool) warmUp() {
	frame := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for id, w := range p.workers {
		logger.Log().Info("Warming up worker", zap.Int("worker", id))
		for i := 0; i < warmUpRounds; i++ {
			if _, err := safePredict(context.Background(), w, frame, p.cfg.Conf); err != nil {
				logger.Log().Warn("warm-up inference failed", zap.Int("worker", id), zap.Error(err))
			}
		}
	}
}

func (p *Pool) StartWorker() {
	for i, w := range p.workers {
		p.wg.Add(1)
		go p.runWorker(i, w)
	}
}

func (p *Pool) runWorker(workerID int, backend iface.Backend) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("worker created", zap.Int("worker", workerID))
	for {
		select {
		case <-p.closed:
			return
		case job := <-p.JobQueue:
			if err := job.ctx.Err(); err != nil {
				job.Result <- jobResult{err: err}
				continue
			}
			preds, err := safePredict(job.ctx, backend, job.image, job.conf)
			if err != nil {
				logger.Log().Error("inference failed", zap.Int("worker", workerID), zap.Error(err))
			}
			job.Result <- jobResult{preds: preds, err: err}
		}
	}
}

func safePredict(ctx context.Context, b iface.Backend, img image.Image, conf float32) (preds []iface.RawPrediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			preds, err = nil, fmt.Errorf("%w: backend panic: %v", iface.ErrInference, r)
		}
	}()
	return b.Predict(ctx, img, conf)
}

// Predict queues img for the next free worker and waits for its result.
func (p *Pool) Predict(ctx context.Context, img image.Image, conf float32) ([]iface.RawPrediction, error) {
	result := make(chan jobResult, 1)
	job := JobPackage{ctx: ctx, image: img, conf: conf, Result: result}
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case p.JobQueue <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
	select {
	case r := <-result:
		return r.preds, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

func (p *Pool) CheckConfig() iface.EngineConfig {
	return p.cfg
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Close stops the workers, waiting for running jobs, and releases the
// backends.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		err = p.closeWorkers()
	})
	return err
}

func (p *Pool) closeWorkers() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
