package cmd

import (
	"os"
)

// CrashWriter appends crash output (see reportCrash in main.go)
// to fileName, opening it fresh on every write since crashes are rare and
// keeping a handle open across the process's lifetime isn't worth the
// risk of writing to a file descriptor the crash itself invalidated.
type CrashWriter struct {
	fileName string
}

func NewCrashWriter(fileName string) *CrashWriter {
	return &CrashWriter{fileName: fileName}
}

func (w *CrashWriter) Write(p []byte) (n int, err error) {
	f, err := os.OpenFile(w.fileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	n, err = f.Write(p)
	return
}
