// Package device inspects the station's runtime environment and turns it
// into a capability descriptor used to pick capture constraints and to word
// camera failures for the user.
package device

import (
	"net"
	"net/http"
	"runtime"
	"strings"
)

// Platform is the operating system family of the viewing device
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformUnknown Platform = "unknown"
)

// Browser is the browser family driving the scan UI
type Browser string

const (
	BrowserSafari  Browser = "safari"
	BrowserChrome  Browser = "chrome"
	BrowserFirefox Browser = "firefox"
	BrowserEdge    Browser = "edge"
	BrowserSamsung Browser = "samsung"
	BrowserOther   Browser = "other"
)

// FormFactor classifies the device shape
type FormFactor string

const (
	FormMobile  FormFactor = "mobile"
	FormTablet  FormFactor = "tablet"
	FormDesktop FormFactor = "desktop"
)

// Facing is a camera facing-mode preference
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
	FacingDefault     Facing = "default"
)

// Flip returns the opposite facing mode. Default flips to environment.
func (f Facing) Flip() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Environment is the set of inspection functions the detector reads.
// Any nil function is treated as an unknown signal.
type Environment struct {
	HostOS        func() string
	UserAgent     func() string
	SecureContext func() bool
	VideoInputs   func() (int, error)
}

// Capabilities is the immutable descriptor computed once per session
type Capabilities struct {
	Platform                    Platform   `json:"platform"`
	Browser                     Browser    `json:"browser"`
	FormFactor                  FormFactor `json:"form_factor"`
	HasCamera                   bool       `json:"has_camera"`
	CameraCount                 int        `json:"camera_count"` // -1 when enumeration failed
	MultipleCameras             bool       `json:"multiple_cameras"`
	PreferredFacing             Facing     `json:"preferred_facing"`
	SupportsExactFacing         bool       `json:"supports_exact_facing"`
	SupportsAdvancedConstraints bool       `json:"supports_advanced_constraints"`
	SecureContext               bool       `json:"secure_context"`
}

// IsMobile reports whether the device is a phone or tablet
func (c Capabilities) IsMobile() bool {
	return c.FormFactor == FormMobile || c.FormFactor == FormTablet
}

// Detect computes the capability descriptor. It never panics; absent or
// unknown signals degrade to permissive defaults.
func Detect(env Environment) (caps Capabilities) {
	defer func() {
		if r := recover(); r != nil {
			caps = permissive()
		}
	}()

	ua := ""
	if env.UserAgent != nil {
		ua = env.UserAgent()
	}
	hostOS := ""
	if env.HostOS != nil {
		hostOS = env.HostOS()
	}

	caps.Platform = detectPlatform(ua, hostOS)
	caps.Browser = detectBrowser(ua)
	caps.FormFactor = detectFormFactor(ua, caps.Platform)

	caps.SecureContext = true
	if env.SecureContext != nil {
		caps.SecureContext = env.SecureContext()
	}

	caps.CameraCount = -1
	caps.HasCamera = true
	if env.VideoInputs != nil {
		if n, err := env.VideoInputs(); err == nil {
			caps.CameraCount = n
			caps.HasCamera = n > 0
			caps.MultipleCameras = n > 1
		}
	}

	caps.PreferredFacing = FacingUser
	if caps.IsMobile() {
		caps.PreferredFacing = FacingEnvironment
	}

	// Exact device binding is only trusted where facing maps cleanly onto
	// distinct devices: Android browsers and bare Linux hosts (v4l2 paths).
	switch {
	case caps.Platform == PlatformAndroid && caps.Browser != BrowserFirefox:
		caps.SupportsExactFacing = true
	case caps.Platform == PlatformLinux && ua == "":
		caps.SupportsExactFacing = true
	}

	caps.SupportsAdvancedConstraints = caps.Platform != PlatformIOS

	return caps
}

func permissive() Capabilities {
	return Capabilities{
		Platform:                    PlatformUnknown,
		Browser:                     BrowserOther,
		FormFactor:                  FormDesktop,
		HasCamera:                   true,
		CameraCount:                 -1,
		PreferredFacing:             FacingUser,
		SupportsAdvancedConstraints: true,
		SecureContext:               true,
	}
}

func detectPlatform(ua, hostOS string) Platform {
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "iphone"), strings.Contains(l, "ipad"), strings.Contains(l, "ipod"):
		return PlatformIOS
	case strings.Contains(l, "android"):
		return PlatformAndroid
	case strings.Contains(l, "macintosh"), strings.Contains(l, "mac os x"):
		return PlatformMacOS
	case strings.Contains(l, "windows"):
		return PlatformWindows
	case strings.Contains(l, "linux"), strings.Contains(l, "x11"), strings.Contains(l, "cros"):
		return PlatformLinux
	}

	switch hostOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	case "android":
		return PlatformAndroid
	case "ios":
		return PlatformIOS
	}
	return PlatformUnknown
}

func detectBrowser(ua string) Browser {
	l := strings.ToLower(ua)
	// Order matters: most UAs also claim Safari and Chrome.
	switch {
	case strings.Contains(l, "samsungbrowser"):
		return BrowserSamsung
	case strings.Contains(l, "edg/"), strings.Contains(l, "edga/"), strings.Contains(l, "edgios/"):
		return BrowserEdge
	case strings.Contains(l, "firefox"), strings.Contains(l, "fxios"):
		return BrowserFirefox
	case strings.Contains(l, "chrome"), strings.Contains(l, "crios"), strings.Contains(l, "chromium"):
		return BrowserChrome
	case strings.Contains(l, "safari"):
		return BrowserSafari
	}
	return BrowserOther
}

func detectFormFactor(ua string, platform Platform) FormFactor {
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "ipad"), strings.Contains(l, "tablet"):
		return FormTablet
	case platform == PlatformAndroid && !strings.Contains(l, "mobile"):
		return FormTablet
	case strings.Contains(l, "mobi"), strings.Contains(l, "iphone"), strings.Contains(l, "ipod"):
		return FormMobile
	}
	return FormDesktop
}

// RequestEnvironment builds an Environment from the UI's HTTP request and
// the station's device enumerator
func RequestEnvironment(r *http.Request, videoInputs func() (int, error)) Environment {
	return Environment{
		HostOS:    func() string { return runtime.GOOS },
		UserAgent: r.UserAgent,
		SecureContext: func() bool {
			return isSecureRequest(r)
		},
		VideoInputs: videoInputs,
	}
}

// isSecureRequest treats TLS, a TLS-terminating proxy and loopback hosts as
// secure contexts
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}
