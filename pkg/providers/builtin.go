package providers

import (
	"log/slog"
	"strings"

	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/toolexec"
)

const defaultName = "{{.Project.ID}}-{{.Project.Version}}"

// Builtin lists the default tool specs, grouped by platform in
// registration order.
var Builtin = []Spec{
	{
		Format:   "msix",
		Platform: packaging.PlatformWindows,
		Tool:     "makeappx",
		Args:     []string{"pack", "/d", "{{.Source}}", "/p", "{{.Output}}", "/o"},
		Output:   defaultName + ".msix",
	},
	{
		Format:   "msi",
		Platform: packaging.PlatformWindows,
		Tool:     "wix",
		Args:     []string{"build", "{{.Source}}/Product.wxs", "-d", "Version={{.Project.Version}}", "-o", "{{.Output}}"},
		Output:   defaultName + ".msi",
	},
	{
		Format:   "app",
		Platform: packaging.PlatformMacOS,
		Tool:     "ditto",
		Args:     []string{"{{.Source}}", "{{.Output}}"},
		Output:   "{{.Project.Name}}.app",
	},
	{
		Format:   "pkg",
		Platform: packaging.PlatformMacOS,
		Tool:     "pkgbuild",
		Args:     []string{"--root", "{{.Source}}", "--identifier", "{{.Prop \"bundleId\"}}", "--version", "{{.Project.Version}}", "{{.Output}}"},
		Output:   defaultName + ".pkg",
	},
	{
		Format:   "dmg",
		Platform: packaging.PlatformMacOS,
		Tool:     "hdiutil",
		Args:     []string{"create", "-volname", "{{.Project.Name}}", "-srcfolder", "{{.Source}}", "-ov", "-format", "UDZO", "{{.Output}}"},
		Output:   defaultName + ".dmg",
	},
	{
		Format:   "deb",
		Platform: packaging.PlatformLinux,
		Tool:     "dpkg-deb",
		Args:     []string{"--build", "--root-owner-group", "{{.Source}}", "{{.Output}}"},
		Output:   defaultName + ".deb",
	},
	{
		Format:   "rpm",
		Platform: packaging.PlatformLinux,
		Tool:     "rpmbuild",
		Args: []string{"-bb",
			"--define", "_topdir {{.WorkDir}}/rpmbuild",
			"--define", "_rpmdir {{.OutputDir}}",
			"--define", "_build_name_fmt {{.Project.ID}}-{{.Project.Version}}.rpm",
			"{{.Source}}/{{.Project.ID}}.spec"},
		Output: defaultName + ".rpm",
	},
	{
		Format:   "appimage",
		Platform: packaging.PlatformLinux,
		Tool:     "appimagetool",
		Args:     []string{"{{.Source}}", "{{.Output}}"},
		Output:   defaultName + ".AppImage",
	},
}

// ForPlatform returns tool providers for every builtin spec of platform.
func ForPlatform(platform packaging.Platform, runner toolexec.Runner, logger *slog.Logger) []packaging.FormatProvider {
	var out []packaging.FormatProvider
	for _, spec := range Builtin {
		if spec.Platform == platform {
			out = append(out, NewToolProvider(spec, runner, logger))
		}
	}
	return out
}

// Lookup returns the builtin spec for format.
func Lookup(format string) (Spec, bool) {
	for _, spec := range Builtin {
		if strings.EqualFold(spec.Format, format) {
			return spec, true
		}
	}
	return Spec{}, false
}
