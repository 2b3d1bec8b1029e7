package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/chzyer/readline"
)

const banner = `
               _     _ _
   __ _ _ __ ___ (_) __| | |__   __ _
  / _' | '_ ' _ \| |/ _' | '_ \ / _' |
 | (_| | | | | | | | (_| | |_) | (_| |
  \__,_|_| |_| |_|_|\__,_|_.__/ \__, |
                                |___/
  a source-level debugger for the AmigaOS
`

// RunLoop runs the plain readline-based command loop until the user quits
// or a fatal error occurs.
func (c *CLI) RunLoop() error {
	fmt.Println(banner)
	rl, err := readline.New("> ")
	if err != nil {
		return fmt.Errorf("could not initialize line editor: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		output, action, err := c.Execute(line)
		if output != "" {
			fmt.Println(output)
		}
		if err != nil {
			return err
		}
		if action == ActionQuit {
			c.log.Debug("Exiting debugger")
			return nil
		}
	}
}
