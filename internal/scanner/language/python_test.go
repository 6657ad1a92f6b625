package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPythonScannerImports(t *testing.T) {
	resolver := NewResolver([]string{
		"app/main.py",
		"app/utils.py",
		"app/models/__init__.py",
		"app/models/user.py",
		"lib/helpers.py",
	})
	s := NewPythonScanner(resolver)

	src := []byte(`
import os
import json as j
from app import utils
from app.models import user
from app.models.user import User
from . import utils
from ..lib import helpers
from typing import *
`)

	scan, err := s.Scan("app/main.py", src)
	require.NoError(t, err)
	require.Len(t, scan.Imports, 8)

	assert.Equal(t, Import{Module: "os", Kind: ImportAbsolute}, scan.Imports[0])
	assert.Equal(t, Import{Module: "json", Alias: "j", Kind: ImportAbsolute}, scan.Imports[1])

	assert.Equal(t, "app", scan.Imports[2].Module)
	assert.Equal(t, "utils", scan.Imports[2].Name)
	assert.Equal(t, ImportFrom, scan.Imports[2].Kind)
	assert.Equal(t, "app/utils.py", scan.Imports[2].ResolvedPath)

	assert.Equal(t, "app/models/user.py", scan.Imports[3].ResolvedPath)
	assert.Equal(t, "app/models/user.py", scan.Imports[4].ResolvedPath)

	assert.Equal(t, ImportRelative, scan.Imports[5].Kind)
	assert.Equal(t, "app/utils.py", scan.Imports[5].ResolvedPath)

	assert.Equal(t, ImportRelative, scan.Imports[6].Kind)
	assert.Equal(t, "lib/helpers.py", scan.Imports[6].ResolvedPath)

	assert.Equal(t, "*", scan.Imports[7].Name)
	assert.Empty(t, scan.Imports[7].ResolvedPath)
}

func TestPythonScannerCalls(t *testing.T) {
	s := NewPythonScanner(nil)

	src := []byte(`
result = compute(1, 2)
client.fetch(url)
data["x"].update(y)
nested.attr.chain(z)
`)

	scan, err := s.Scan("calls.py", src)
	require.NoError(t, err)

	assert.Contains(t, scan.Calls, Call{Name: "compute", Kind: CallFunction})
	assert.Contains(t, scan.Calls, Call{Name: "fetch", Kind: CallMethod, Object: "client"})

	// Calls on non-identifier receivers keep the method name but no object.
	var updates []Call
	for _, c := range scan.Calls {
		if c.Name == "update" || c.Name == "chain" {
			updates = append(updates, c)
		}
	}
	require.Len(t, updates, 2)
	for _, c := range updates {
		assert.Equal(t, CallMethod, c.Kind)
		assert.Empty(t, c.Object)
	}
}

func TestPythonScannerClassesAndFunctions(t *testing.T) {
	s := NewPythonScanner(nil)

	src := []byte(`
class Base:
    def shared(self):
        pass

class Child(Base, mixins.Timestamped, metaclass=ABCMeta):
    def method(self):
        pass

def top_level():
    pass

async def fetch_all():
    pass
`)

	scan, err := s.Scan("models.py", src)
	require.NoError(t, err)

	require.Len(t, scan.Classes, 2)
	assert.Equal(t, Class{Name: "Base"}, scan.Classes[0])
	assert.Equal(t, "Child", scan.Classes[1].Name)
	assert.Equal(t, []string{"Base", "mixins.Timestamped"}, scan.Classes[1].Parents)

	assert.Contains(t, scan.Functions, Function{Name: "shared", Class: "Base"})
	assert.Contains(t, scan.Functions, Function{Name: "method", Class: "Child"})
	assert.Contains(t, scan.Functions, Function{Name: "top_level"})
	assert.Contains(t, scan.Functions, Function{Name: "fetch_all"})
}

func TestPythonScannerDecoratedDefinitions(t *testing.T) {
	s := NewPythonScanner(nil)

	src := []byte(`
@app.route("/health")
def health():
    return ok()
`)

	scan, err := s.Scan("api.py", src)
	require.NoError(t, err)

	assert.Contains(t, scan.Functions, Function{Name: "health"})
	assert.Contains(t, scan.Calls, Call{Name: "route", Kind: CallMethod, Object: "app"})
	assert.Contains(t, scan.Calls, Call{Name: "ok", Kind: CallFunction})
}

func TestPythonScannerEmptySource(t *testing.T) {
	s := NewPythonScanner(nil)

	scan, err := s.Scan("empty.py", []byte(""))
	require.NoError(t, err)
	assert.Empty(t, scan.Imports)
	assert.Empty(t, scan.Calls)
	assert.Empty(t, scan.Classes)
}
