package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/idcache"
)

// shell runs commands read from an interactive prompt until "exit".
func (a *app) shell(ctx context.Context) {
	fmt.Fprintf(a.out, "brwctl %s, type \"help\" for commands, \"exit\" to quit\n", Version)

	p := prompt.New(
		func(line string) { a.execute(ctx, line) },
		a.complete,
		prompt.OptionPrefix("brwctl> "),
		prompt.OptionTitle("brwctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

func (a *app) execute(ctx context.Context, line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "exit", "quit":
		return
	case "help":
		for _, c := range commands {
			fmt.Fprintf(a.out, "  %-8s %s\n", c.name, c.help)
		}
		return
	}

	if err := a.run(ctx, args); err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
	}
}

// complete suggests command names for the first word and kind or
// category names after the flags that take them.
func (a *app) complete(d prompt.Document) []prompt.Suggest {
	return suggest(d.TextBeforeCursor(), d.GetWordBeforeCursor())
}

func suggest(before, word string) []prompt.Suggest {
	fields := strings.Fields(before)
	if len(fields) == 0 || (len(fields) == 1 && word != "") {
		s := []prompt.Suggest{{Text: "help"}, {Text: "exit"}}
		for _, c := range commands {
			s = append(s, prompt.Suggest{Text: c.name, Description: c.help})
		}
		return prompt.FilterHasPrefix(s, word, true)
	}

	prev := fields[len(fields)-1]
	if word != "" && len(fields) > 1 {
		prev = fields[len(fields)-2]
	}

	var s []prompt.Suggest
	switch {
	case prev == "-kind":
		for _, k := range histogram.Kinds() {
			s = append(s, prompt.Suggest{Text: k.String(), Description: k.Title()})
		}
	case fields[0] == "ids":
		for _, c := range idcache.Categories() {
			s = append(s, prompt.Suggest{Text: string(c)})
		}
	}
	return prompt.FilterHasPrefix(s, word, true)
}
