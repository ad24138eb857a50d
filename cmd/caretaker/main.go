package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// main 是巡检程序的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("caretaker: %v", describe(err))
	}
}
