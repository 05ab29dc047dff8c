package main

import (
	"context"
	"fmt"
	"time"

	"DeFlow/internal/config"
	"DeFlow/internal/execution"
	"DeFlow/internal/storage/mysql"
	"DeFlow/internal/storage/postgres"
	"DeFlow/internal/workflow"
)

func openWorkflowStore(ctx context.Context, cfg config.WorkflowStoreConfig) (workflow.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return workflow.NewMemoryStore(), nil
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		store, err := postgres.NewWorkflowStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的工作流存储驱动: %s", cfg.Driver)
	}
}

func openLedger(ctx context.Context, cfg config.ExecutionStoreConfig) (execution.Ledger, error) {
	switch cfg.Driver {
	case "", "memory":
		return execution.NewMemoryLedger(), nil
	case "mysql":
		return mysql.NewExecutionLedger(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的执行记录存储驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (execution.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return execution.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return execution.NewRedisQueue(ctx, execution.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return execution.NewRabbitMQQueue(execution.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
