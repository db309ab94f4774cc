package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

func GetEnv(key, defaultVal string, log *logger.Logger) string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		if log != nil {
			log.Debug("env var missing, using default", "env_var", key, "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	valStr, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("env var missing, using default", "env_var", key, "default", defaultVal)
		}
		return defaultVal
	}
	i, err := strconv.Atoi(strings.TrimSpace(valStr))
	if err != nil {
		if log != nil {
			log.Debug("env var not an int, using default", "env_var", key, "provided", valStr, "default", defaultVal, "error", err)
		}
		return defaultVal
	}
	return i
}

// GetEnvAsDuration accepts Go duration strings ("750ms", "5m") and falls
// back to interpreting bare integers as seconds.
func GetEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	valStr, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("env var missing, using default", "env_var", key, "default", defaultVal.String())
		}
		return defaultVal
	}
	valStr = strings.TrimSpace(valStr)
	if d, err := time.ParseDuration(valStr); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(valStr); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if log != nil {
		log.Debug("env var not a duration, using default", "env_var", key, "provided", valStr, "default", defaultVal.String())
	}
	return defaultVal
}
