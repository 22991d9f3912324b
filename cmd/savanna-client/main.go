package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"code.savanna.org/golang/pkg/upload"
)

const usageFmt = `
Command Usage: %s [Flags]
  Upload a biometric sample to the savanna application service
  over the secure channel, and print the service answer.

Flags:
------
`

type Cmd struct {
	Client  *upload.Client
	Sample  []byte
	UserId  string
	Timeout time.Duration
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	var appUrl, samplePath, text string
	flags.StringVar(&appUrl, "app", "http://localhost:4000", `application service base url`)
	flags.StringVar(&samplePath, "sample", "", `path of the sample file to upload, "-" reads stdin`)
	flags.StringVar(&text, "text", "", `upload text as sample, ignored if -sample is set`)
	flags.StringVar(&cmd.UserId, "user", "", `optional user id sent with the sample`)
	flags.DurationVar(&cmd.Timeout, "timeout", time.Minute, `overall timeout`)

	flags.Parse(args)

	var err error
	switch {
	case "-" == samplePath:
		cmd.Sample, err = io.ReadAll(os.Stdin)
	case "" != samplePath:
		cmd.Sample, err = os.ReadFile(samplePath)
	default:
		cmd.Sample = []byte(text)
	}
	if nil != err {
		log.Fatalf("Failed reading sample, got error %v", err)
	}
	if 0 == len(cmd.Sample) {
		flags.Usage()
		log.Fatal("Empty sample, use -sample or -text")
	}

	cmd.Client, err = upload.NewClient(appUrl, nil)
	if nil != err {
		log.Fatalf("Failed creating client, got error %v", err)
	}

	return &cmd
}

func (self *Cmd) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, self.Timeout)
	defer cancel()

	resp, err := self.Client.Upload(ctx, self.Sample, self.UserId)
	if nil != err {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx); nil != err {
		log.Fatalf("Upload failed, got error %v", err)
	}
}
