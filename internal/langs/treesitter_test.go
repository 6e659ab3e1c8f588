package langs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePython = `import os
from collections import namedtuple

class Widget:
    def __init__(self, name):
        self.name = name

def make_widget(name):
    return Widget(name)
`

const sampleJS = `import { readFile } from 'fs'

export function makeWidget(name) {
  return { name }
}

class Widget {
  constructor(name) {
    this.name = name
  }
}

const helper = (x) => x + 1
`

const sampleRust = `use std::fmt;

pub struct Widget {
    pub name: String,
}

impl Widget {
    pub fn new(name: String) -> Widget {
        Widget { name }
    }
}

enum Shape {
    Circle,
    Square,
}
`

func TestTreeSitterParsesPython(t *testing.T) {
	p := NewTreeSitterParser()
	fa, err := p.ParseFile("widget.py", []byte(samplePython))
	require.NoError(t, err)

	var names []string
	for _, s := range fa.Symbols {
		names = append(names, s.Name)
	}
	require.ElementsMatch(t, []string{"Widget", "make_widget"}, names)
	require.Contains(t, fa.Includes, "os")
}

func TestTreeSitterParsesJavaScript(t *testing.T) {
	p := NewTreeSitterParser()
	fa, err := p.ParseFile("widget.js", []byte(sampleJS))
	require.NoError(t, err)

	var names []string
	for _, s := range fa.Symbols {
		names = append(names, s.Name)
	}
	require.ElementsMatch(t, []string{"makeWidget", "Widget", "helper"}, names)
	require.Contains(t, fa.Includes, "fs")
}

func TestTreeSitterParsesRust(t *testing.T) {
	p := NewTreeSitterParser()
	fa, err := p.ParseFile("widget.rs", []byte(sampleRust))
	require.NoError(t, err)

	var names []string
	for _, s := range fa.Symbols {
		names = append(names, s.Name)
	}
	require.Contains(t, names, "Widget")
	require.Contains(t, names, "Shape")
	require.Contains(t, names, "new")
}

func TestTreeSitterRejectsUnknownExtension(t *testing.T) {
	p := NewTreeSitterParser()
	_, err := p.ParseFile("widget.cbl", []byte("IDENTIFICATION DIVISION."))
	require.Error(t, err)
}

func TestTreeSitterSupportedExtensions(t *testing.T) {
	ext := NewTreeSitterParser().SupportedExtensions()
	require.Contains(t, ext, ".py")
	require.Contains(t, ext, ".rs")
	require.Contains(t, ext, ".ts")
}
