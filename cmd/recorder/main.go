// Command recorder captures PCM audio into WAV recordings.
//
// Usage:
//
//	recorder [flags] <command> [args]
//
// Commands:
//
//	serve    - Run the HTTP recording service
//	record   - Record once and write a WAV file
//	devices  - List audio capture devices
//	inspect  - Print the header of a WAV file
//	send     - Stream a WAV file to a UDP capture backend
package main

import (
	"fmt"
	"os"

	"github.com/skypro1111/pcm-recorder/cmd/recorder/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
