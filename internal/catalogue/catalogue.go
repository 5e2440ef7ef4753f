// Package catalogue maps language ids to sandbox images and launch commands.
// Adding a language is a catalogue-only change; no other component encodes
// per-language behaviour.
package catalogue

import (
	"strings"

	"nimbus-ide/internal/apperr"
)

// Mount is an extra read-only bind mount an entry may request (shared
// package caches and similar).
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Entry describes how one language runs inside a sandbox.
//
// RunCommand and BuildCommand are templates over two variables:
// "{file}" expands to the absolute entry-file path inside the sandbox and
// "{scratch}" to a writable scratch directory.
type Entry struct {
	ID              string
	ImageRef        string
	DefaultFileName string
	FileExtensions  []string
	BuildCommand    []string // empty for interpreted languages
	RunCommand      []string
	AllowNetwork    bool
	ExtraMounts     []Mount

	// NeedsExecScratch marks languages that execute compiled artifacts out
	// of the scratch tmpfs, which must then be mounted exec.
	NeedsExecScratch bool
}

// Catalogue is a read-mostly registry keyed by language id.
type Catalogue struct {
	entries map[string]*Entry
	aliases map[string]string
}

// New returns a catalogue seeded with the default language set.
func New() *Catalogue {
	c := &Catalogue{
		entries: make(map[string]*Entry),
		aliases: map[string]string{
			"js":        "javascript",
			"node":      "javascript",
			"nodejs":    "javascript",
			"ts":        "typescript",
			"py":        "python",
			"python3":   "python",
			"golang":    "go",
			"rs":        "rust",
			"c++":       "cpp",
			"cplusplus": "cpp",
			"rb":        "ruby",
		},
	}
	for _, e := range defaultEntries() {
		c.Register(e)
	}
	return c
}

// Register adds or replaces an entry.
func (c *Catalogue) Register(e *Entry) {
	c.entries[e.ID] = e
}

// Lookup resolves a language id (or alias, or file extension) to its entry.
func (c *Catalogue) Lookup(language string) (*Entry, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	if e, ok := c.entries[language]; ok {
		return e, nil
	}
	if canonical, ok := c.aliases[language]; ok {
		if e, ok := c.entries[canonical]; ok {
			return e, nil
		}
	}
	for _, e := range c.entries {
		for _, ext := range e.FileExtensions {
			if language == strings.TrimPrefix(ext, ".") {
				return e, nil
			}
		}
	}
	return nil, apperr.Newf(apperr.KindUnsupportedLanguage, "unsupported language: %s", language)
}

// Languages returns the canonical ids of all registered entries.
func (c *Catalogue) Languages() []string {
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// Expand substitutes the template variables in cmd.
func Expand(cmd []string, file, scratch string) []string {
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		arg = strings.ReplaceAll(arg, "{file}", file)
		arg = strings.ReplaceAll(arg, "{scratch}", scratch)
		out[i] = arg
	}
	return out
}

func defaultEntries() []*Entry {
	return []*Entry{
		{
			ID:              "python",
			ImageRef:        "nimbus-sandbox-python:latest",
			DefaultFileName: "main.py",
			FileExtensions:  []string{".py"},
			RunCommand:      []string{"python3", "-u", "{file}"},
		},
		{
			ID:              "javascript",
			ImageRef:        "nimbus-sandbox-javascript:latest",
			DefaultFileName: "main.js",
			FileExtensions:  []string{".js", ".mjs"},
			// --jitless avoids executable-memory permission issues in
			// hardened container runtimes.
			RunCommand: []string{"node", "--jitless", "{file}"},
		},
		{
			ID:              "typescript",
			ImageRef:        "nimbus-sandbox-javascript:latest",
			DefaultFileName: "main.ts",
			FileExtensions:  []string{".ts"},
			RunCommand:      []string{"npx", "ts-node", "--transpile-only", "{file}"},
			AllowNetwork:    true, // npx may fetch ts-node on cold images
		},
		{
			ID:               "go",
			ImageRef:         "nimbus-sandbox-go:latest",
			DefaultFileName:  "main.go",
			FileExtensions:   []string{".go"},
			RunCommand:       []string{"sh", "-c", "GOCACHE={scratch}/go-cache go run {file}"},
			NeedsExecScratch: true,
		},
		{
			ID:               "rust",
			ImageRef:         "nimbus-sandbox-rust:latest",
			DefaultFileName:  "main.rs",
			FileExtensions:   []string{".rs"},
			BuildCommand:     []string{"rustc", "-o", "{scratch}/main", "{file}"},
			RunCommand:       []string{"sh", "-c", "rustc -o {scratch}/main {file} && {scratch}/main"},
			NeedsExecScratch: true,
		},
		{
			ID:               "java",
			ImageRef:         "nimbus-sandbox-java:latest",
			DefaultFileName:  "Main.java",
			FileExtensions:   []string{".java"},
			BuildCommand:     []string{"javac", "-d", "{scratch}", "{file}"},
			RunCommand:       []string{"sh", "-c", "javac -d {scratch} {file} && java -cp {scratch} Main"},
			NeedsExecScratch: true,
		},
		{
			ID:               "c",
			ImageRef:         "nimbus-sandbox-c:latest",
			DefaultFileName:  "main.c",
			FileExtensions:   []string{".c"},
			BuildCommand:     []string{"gcc", "-o", "{scratch}/main", "-Wall", "-O2", "{file}", "-lm"},
			RunCommand:       []string{"sh", "-c", "gcc -o {scratch}/main -Wall -O2 {file} -lm && {scratch}/main"},
			NeedsExecScratch: true,
		},
		{
			ID:               "cpp",
			ImageRef:         "nimbus-sandbox-cpp:latest",
			DefaultFileName:  "main.cpp",
			FileExtensions:   []string{".cpp", ".cc", ".cxx"},
			BuildCommand:     []string{"g++", "-o", "{scratch}/main", "-std=c++17", "-Wall", "-O2", "{file}"},
			RunCommand:       []string{"sh", "-c", "g++ -o {scratch}/main -std=c++17 -Wall -O2 {file} && {scratch}/main"},
			NeedsExecScratch: true,
		},
		{
			ID:              "ruby",
			ImageRef:        "nimbus-sandbox-ruby:latest",
			DefaultFileName: "main.rb",
			FileExtensions:  []string{".rb"},
			RunCommand:      []string{"ruby", "{file}"},
		},
		{
			ID:              "php",
			ImageRef:        "nimbus-sandbox-php:latest",
			DefaultFileName: "main.php",
			FileExtensions:  []string{".php"},
			RunCommand:      []string{"php", "{file}"},
		},
	}
}
