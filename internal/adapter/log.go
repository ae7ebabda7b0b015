package adapter

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"IntentHub/pkg/logger"
)

// LogAdapter 不产生链上副作用，只记录负载，用于演练和观察类动作。
type LogAdapter struct {
	logger *slog.Logger
}

// NewLogAdapter 创建 LogAdapter。
func NewLogAdapter() *LogAdapter {
	return &LogAdapter{logger: logger.Named("adapter.log")}
}

// Execute 实现 Adapter。
func (a *LogAdapter) Execute(_ context.Context, req Request) (*Outcome, error) {
	data := map[string]string{"version": fmt.Sprintf("%d", req.Version)}
	if params, err := ParseTextParams(req.Payload); err == nil && req.Version == 1 {
		for k, v := range params {
			data[k] = v
		}
	} else {
		data["payload_hex"] = hex.EncodeToString(req.Payload)
	}
	a.logger.Info("记录意图负载",
		slog.String("intent_id", req.IntentID),
		slog.String("action", string(req.Action)),
		slog.Int("payload_bytes", len(req.Payload)),
	)
	return &Outcome{
		Action:  req.Action,
		Summary: fmt.Sprintf("logged %d payload bytes", len(req.Payload)),
		Data:    data,
	}, nil
}
