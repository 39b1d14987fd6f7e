package route

// Pattern names a subsystem and the module-name fragment that announces it.
type Pattern struct {
	Subsystem string
	Pattern   string
}

// DefaultPatterns are the modules secondary subsystems usually wait for.
// Fragments overlap on purpose: nvngx_dlss.dll matches both the NGX vendor
// runtime and the DLSS feature route.
var DefaultPatterns = []Pattern{
	{Subsystem: "d3d9", Pattern: "d3d9.dll"},
	{Subsystem: "d3d11", Pattern: "d3d11.dll"},
	{Subsystem: "d3d12", Pattern: "d3d12.dll"},
	{Subsystem: "dxgi", Pattern: "dxgi.dll"},
	{Subsystem: "vulkan", Pattern: "vulkan-1.dll"},
	{Subsystem: "opengl", Pattern: "opengl32.dll"},
	{Subsystem: "nvapi", Pattern: "nvapi"},
	{Subsystem: "nvidia-ngx", Pattern: "nvngx"},
	{Subsystem: "dlss", Pattern: "dlss"},
	{Subsystem: "streamline", Pattern: "sl.interposer"},
	{Subsystem: "amd-ags", Pattern: "amd_ags"},
	{Subsystem: "xinput", Pattern: "xinput"},
	{Subsystem: "dinput8", Pattern: "dinput8.dll"},
	{Subsystem: "steam", Pattern: "steam_api"},
}

// Defaults builds one route per default pattern, asking factory for each
// subsystem's installer. Subsystems for which factory returns nil are skipped.
func Defaults(factory func(subsystem string) Installer) []Route {
	routes := make([]Route, 0, len(DefaultPatterns))
	for _, p := range DefaultPatterns {
		inst := factory(p.Subsystem)
		if inst == nil {
			continue
		}
		routes = append(routes, Route{Name: p.Subsystem, Pattern: p.Pattern, Installer: inst})
	}
	return routes
}
