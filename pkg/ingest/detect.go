/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

// Conventional Dockerfile locations probed when the repository does not
// declare one.
var dockerfileProbes = []string{
	"Dockerfile",
	"docker/Dockerfile",
	"deploy/Dockerfile",
	"build/Dockerfile",
	".docker/Dockerfile",
}

// detectDockerfile resolves the Dockerfile path relative to the checkout.
func detectDockerfile(checkout, declared string) (string, error) {
	candidates := dockerfileProbes
	if declared != "" {
		candidates = append([]string{declared}, dockerfileProbes...)
	}
	for _, candidate := range candidates {
		resolved := filepath.Join(checkout, filepath.FromSlash(candidate))
		if !strings.HasPrefix(resolved, filepath.Clean(checkout)+string(os.PathSeparator)) {
			continue
		}
		if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if declared != "" {
		return "", fmt.Errorf("dockerfile not found at %s or any conventional location", declared)
	}
	return "", fmt.Errorf("no dockerfile found in repository")
}

// frameworks recognized in package.json dependencies.
var knownFrameworks = []string{"next", "astro", "react", "vue", "svelte", "fastify", "express", "nest"}

// deriveTags extracts system tags from the Dockerfile and package metadata.
func deriveTags(checkout, dockerfile string) []client.RepositoryTag {
	tags := map[string]string{}
	tags["category"] = "app"

	if base := dockerfileBaseImage(filepath.Join(checkout, filepath.FromSlash(dockerfile))); base != "" {
		tags["runtime"] = base
	}

	if raw, err := os.ReadFile(filepath.Join(checkout, "package.json")); err == nil {
		tags["language"] = "javascript"
		if _, err := os.Stat(filepath.Join(checkout, "tsconfig.json")); err == nil {
			tags["language"] = "typescript"
		}
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if jsonutil.Unmarshal(raw, &pkg) == nil {
			deps := map[string]bool{}
			for name := range pkg.Dependencies {
				deps[name] = true
			}
			for name := range pkg.DevDependencies {
				deps[name] = true
			}
			for _, framework := range knownFrameworks {
				if deps[framework] {
					tags["framework"] = framework
					break
				}
			}
		}
	} else if _, err := os.Stat(filepath.Join(checkout, "go.mod")); err == nil {
		tags["language"] = "go"
	} else if hasAny(checkout, "requirements.txt", "pyproject.toml", "setup.py") {
		tags["language"] = "python"
	}

	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := make([]client.RepositoryTag, 0, len(tags))
	for _, key := range keys {
		result = append(result, client.RepositoryTag{
			TagKey:   key,
			TagValue: tags[key],
			Source:   client.TagSourceSystem,
		})
	}
	return result
}

// dockerfileBaseImage returns the image name of the first FROM line, minus
// tag and registry noise.
func dockerfileBaseImage(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "FROM ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		image := fields[1]
		if strings.EqualFold(image, "scratch") {
			return "scratch"
		}
		// Drop tag/digest and any registry prefix.
		if idx := strings.IndexAny(image, ":@"); idx >= 0 {
			image = image[:idx]
		}
		if idx := strings.LastIndex(image, "/"); idx >= 0 {
			image = image[idx+1:]
		}
		return image
	}
	return ""
}

// derivePreviews builds preview tiles from the checkout: the README summary
// plus any screenshot assets in conventional locations.
func derivePreviews(checkout string, repo *client.Repository) []client.RepositoryPreview {
	var previews []client.RepositoryPreview
	for _, name := range []string{"README.md", "readme.md", "README"} {
		raw, err := os.ReadFile(filepath.Join(checkout, name))
		if err != nil {
			continue
		}
		summary := readmeSummary(string(raw))
		if summary == "" {
			break
		}
		previews = append(previews, client.RepositoryPreview{
			RepositoryId: repo.RepositoryId,
			Kind:         "readme",
			Title:        dbutils.NullString(repo.Name),
			Description:  dbutils.NullString(summary),
		})
		break
	}
	for _, dir := range []string{"screenshots", "docs/screenshots", ".github/screenshots"} {
		entries, err := os.ReadDir(filepath.Join(checkout, filepath.FromSlash(dir)))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if entry.IsDir() || (ext != ".png" && ext != ".jpg" && ext != ".jpeg" && ext != ".gif") {
				continue
			}
			previews = append(previews, client.RepositoryPreview{
				RepositoryId: repo.RepositoryId,
				Kind:         "image",
				Title:        dbutils.NullString(entry.Name()),
				Src:          dbutils.NullString(dir + "/" + entry.Name()),
			})
		}
		break
	}
	return previews
}

// readmeSummary returns the first non-heading paragraph, bounded.
func readmeSummary(readme string) string {
	for _, block := range strings.Split(readme, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, "#") ||
			strings.HasPrefix(block, "![") || strings.HasPrefix(block, "<") {
			continue
		}
		block = strings.Join(strings.Fields(block), " ")
		if len(block) > 280 {
			block = block[:280]
		}
		return block
	}
	return ""
}

func hasAny(checkout string, names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(checkout, name)); err == nil {
			return true
		}
	}
	return false
}
