package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/PatchLens/go-expressify/expressify"
	"github.com/PatchLens/go-expressify/expressify/cmd"
)

const pprofDebug = false

func main() {
	log.SetFlags(log.LstdFlags)

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server failure: %v", err)
			}
		}()
	}

	config, err := cmd.ParseFlags(nil) // No custom flags for the standard command
	if err != nil {
		log.Fatalf("%s%v", expressify.ErrorLogPrefix, err)
	}

	if err := expressify.NewEngine(config).Run(); err != nil {
		log.Fatalf("%s%v", expressify.ErrorLogPrefix, err)
	}
}
