package tui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Prompter asks questions on out and reads answers from in.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter returns a prompter reading from in and writing to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Stdio returns a prompter on stdin and stderr.
func Stdio() *Prompter {
	return NewPrompter(os.Stdin, os.Stderr)
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm prompts for a yes/no confirmation
func (p *Prompter) Confirm(prompt string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	fmt.Fprintf(p.out, "%s %s ", prompt, hint)

	response, err := p.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(response) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return defaultYes, nil
	}
}

// ReadLineDefault reads a line, returning defaultValue for empty input
func (p *Prompter) ReadLineDefault(prompt, defaultValue string) (string, error) {
	if defaultValue != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, defaultValue)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}

	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return defaultValue, nil
	}
	return line, nil
}

// Select presents options and returns the chosen index. Empty input picks
// the first option.
func (p *Prompter) Select(prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options provided")
	}

	fmt.Fprintln(p.out, prompt)
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprint(p.out, "Choice [1]: ")

	input, err := p.readLine()
	if err != nil {
		return -1, fmt.Errorf("read input: %w", err)
	}
	if input == "" {
		return 0, nil
	}

	choice, err := strconv.Atoi(input)
	if err != nil {
		return -1, fmt.Errorf("invalid selection: %s", input)
	}
	if choice < 1 || choice > len(options) {
		return -1, fmt.Errorf("selection out of range: %d", choice)
	}
	return choice - 1, nil
}

// Spinner shows a simple text spinner while a long call runs
type Spinner struct {
	message string
	out     io.Writer
	animate bool

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSpinner creates a spinner on stderr. It only animates on a terminal.
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message: message,
		out:     os.Stderr,
		animate: IsTerminal(),
		done:    make(chan struct{}),
	}
}

// Start starts the spinner animation
func (s *Spinner) Start() {
	if !s.animate {
		fmt.Fprintf(s.out, "%s...\n", s.message)
		return
	}

	frames := []string{"|", "/", "-", "\\"}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(s.out, "\r%s %s", s.message, frames[i%len(frames)])
			select {
			case <-s.done:
				fmt.Fprint(s.out, "\r\033[K")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the spinner. It is safe to call more than once.
func (s *Spinner) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
