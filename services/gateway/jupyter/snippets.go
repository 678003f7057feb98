// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jupyter

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// chdirSnippet returns code that changes the kernel's working directory, or
// "" for languages without a known idiom.
func chdirSnippet(language, cwd string) string {
	q := strconv.Quote(cwd)
	switch language {
	case "python":
		return fmt.Sprintf("import os as __cg_os\n__cg_os.chdir(%s)\ndel __cg_os", q)
	case "javascript":
		return fmt.Sprintf("process.chdir(%s);", q)
	case "typescript", "deno":
		return fmt.Sprintf("Deno.chdir(%s);", q)
	case "r":
		return fmt.Sprintf("setwd(%s)", q)
	case "bash":
		return "cd " + shellQuote(cwd)
	default:
		return ""
	}
}

// envSnippets returns the setup and cleanup code applying env for one
// execution. Keys are emitted in sorted order so the code is deterministic.
// Cleanup unsets the keys rather than restoring earlier values.
func envSnippets(language string, env map[string]string) (setup, cleanup string) {
	if len(env) == 0 {
		return "", ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var set, unset strings.Builder
	switch language {
	case "python":
		set.WriteString("import os as __cg_os\n")
		unset.WriteString("import os as __cg_os\n")
		for _, k := range keys {
			fmt.Fprintf(&set, "__cg_os.environ[%s] = %s\n", strconv.Quote(k), strconv.Quote(env[k]))
			fmt.Fprintf(&unset, "__cg_os.environ.pop(%s, None)\n", strconv.Quote(k))
		}
		set.WriteString("del __cg_os")
		unset.WriteString("del __cg_os")
	case "javascript":
		for _, k := range keys {
			fmt.Fprintf(&set, "process.env[%s] = %s;\n", strconv.Quote(k), strconv.Quote(env[k]))
			fmt.Fprintf(&unset, "delete process.env[%s];\n", strconv.Quote(k))
		}
	case "typescript", "deno":
		for _, k := range keys {
			fmt.Fprintf(&set, "Deno.env.set(%s, %s);\n", strconv.Quote(k), strconv.Quote(env[k]))
			fmt.Fprintf(&unset, "Deno.env.delete(%s);\n", strconv.Quote(k))
		}
	case "r":
		for _, k := range keys {
			fmt.Fprintf(&set, "Sys.setenv(%s = %s)\n", strconv.Quote(k), strconv.Quote(env[k]))
			fmt.Fprintf(&unset, "Sys.unsetenv(%s)\n", strconv.Quote(k))
		}
	case "bash":
		for _, k := range keys {
			if !shellIdentifier.MatchString(k) {
				continue
			}
			fmt.Fprintf(&set, "export %s=%s\n", k, shellQuote(env[k]))
			fmt.Fprintf(&unset, "unset %s\n", k)
		}
	default:
		return "", ""
	}
	return strings.TrimRight(set.String(), "\n"), strings.TrimRight(unset.String(), "\n")
}

var shellIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
