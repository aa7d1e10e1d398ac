package logging

import (
	"log"
	"os"
)

var (
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
	Mint     = log.New(os.Stdout, "[mint] ", log.LstdFlags)
	Settle   = log.New(os.Stdout, "[settle] ", log.LstdFlags)
	Blob     = log.New(os.Stdout, "[blob] ", log.LstdFlags)
)
