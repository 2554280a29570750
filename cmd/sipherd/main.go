package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"sipher/internal/keyserver"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	srv := keyserver.NewServer(log)
	log.WithField("addr", *addr).Info("key server listening")
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
}
