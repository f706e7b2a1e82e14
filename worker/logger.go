package worker

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// logger routes asynq's own log output through zerolog
type logger struct{}

func (logger) Debug(args ...interface{}) {
	log.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func (logger) Info(args ...interface{}) {
	log.Info().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func (logger) Warn(args ...interface{}) {
	log.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func (logger) Error(args ...interface{}) {
	log.Error().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func (logger) Fatal(args ...interface{}) {
	log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
