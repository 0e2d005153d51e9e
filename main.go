package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logger "github.com/sirupsen/logrus"

	"hedgebot/src/config"
	"hedgebot/src/database"
	"hedgebot/src/executors"
)

// Exit codes of the engine daemon.
const (
	exitOK            = 0
	exitBadConfig     = 2
	exitDBUnreachable = 3
	exitNoAccounts    = 4
	exitNoPairs       = 5
)

var APP_NAME = os.Getenv("APP_NAME")

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()
	defer handlePanic()

	os.Exit(run())
}

func run() int {
	settings, err := config.GetSettings()
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return exitBadConfig
	}

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return exitDBUnreachable
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := executors.NewEngine(ctx, settings)
	if err != nil {
		switch {
		case errors.Is(err, executors.ErrNoAccounts):
			logger.WithError(err).Error("startup aborted")
			return exitNoAccounts
		case errors.Is(err, executors.ErrNoPairs):
			logger.WithError(err).Error("startup aborted")
			return exitNoPairs
		default:
			logger.WithError(err).Error("engine construction failed")
			return exitBadConfig
		}
	}

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("engine stopped with error")
	}

	logger.Info("clean shutdown")
	return exitOK
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
