package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

func TopicID(tid string) slog.Attr {
	return slog.String("tid", tid)
}

func PostID(pid string) slog.Attr {
	return slog.String("pid", pid)
}

// FlowID logs a short hash of id; the id itself never reaches the logs.
func FlowID(id string) slog.Attr {
	return slog.String("flow_hash", hashFlowID(id))
}

func hashFlowID(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:4])
}

func Event(e EventType) slog.Attr {
	return slog.String("event", string(e))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
