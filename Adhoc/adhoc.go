package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PeopleDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

// RegisterRequest announces this detection node to the registry server.
type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	RPCPort   int    `json:"rpcPort"`
	Backend   string `json:"backend"`
	Workers   int    `json:"workers"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port     int
	Addr     string
	Interval time.Duration
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Node describes what this process serves.
type Node struct {
	IP      string
	Port    int
	RPCPort int
	Backend string
	Workers int
}

// SendAliveMessage registers node immediately and then on every tick until
// ctx is cancelled. Failures are logged and retried on the next tick.
func SendAliveMessage(ctx context.Context, reg RegServerConfig, node Node, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := reg.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second)
	id := uuid.NewString()
	url := reg.URL()

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		resp, err := client.R().
			SetContext(ctx).
			SetBody(RegisterRequest{
				Id:        id,
				IP:        node.IP,
				Port:      node.Port,
				RPCPort:   node.RPCPort,
				Backend:   node.Backend,
				Workers:   node.Workers,
				TimeStamp: time.Now().Unix(),
			}).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			if ctx.Err() == nil {
				logger.Log().Error("register request failed", zap.String("url", url), zap.Error(err))
			}
			return
		}
		if resp.IsError() {
			logger.Log().Error("registry returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
			return
		}
		if !respBody.Success {
			logger.Log().Warn("registry refused registration", zap.String("id", id))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
