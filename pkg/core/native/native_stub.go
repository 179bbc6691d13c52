//go:build !ztcore

package native

import "github.com/zerotier/ZeroTierOne/pkg/sdk"

// Available reports whether the native core is compiled in.
func Available() bool { return false }

// New always fails without the ztcore build tag.
func New(now int64, cb sdk.EngineCallbacks) (sdk.Engine, sdk.ResultCode) {
    return nil, sdk.ResultFatalErrorInternal
}

func coreVersion() sdk.Version { return sdk.Version{} }
