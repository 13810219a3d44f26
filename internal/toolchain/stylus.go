package toolchain

import "stylus-builder/internal/protocol"

const wasmTarget = "wasm32-unknown-unknown"

const cargoManifestTemplate = `[package]
name = "stylus_contract"
version = "0.1.0"
edition = "2021"

[dependencies]
alloy-primitives = "=0.8.20"
alloy-sol-types = "=0.8.20"
stylus-sdk = "0.9.0"

[features]
export-abi = ["stylus-sdk/export-abi"]

[lib]
crate-type = ["lib", "cdylib"]

[profile.release]
codegen-units = 1
strip = true
lto = true
panic = "abort"
opt-level = "s"
`

const rustToolchainTemplate = `[toolchain]
channel = "1.87.0"
targets = ["wasm32-unknown-unknown"]
`

const mainTemplate = `#![cfg_attr(not(any(test, feature = "export-abi")), no_main)]

#[cfg(not(any(test, feature = "export-abi")))]
#[no_mangle]
pub extern "C" fn main() {}

#[cfg(feature = "export-abi")]
fn main() {
    stylus_contract::print_from_args();
}
`

const gitignoreTemplate = "/target\n"

// StylusProfile is the built-in profile for Arbitrum Stylus contracts.
func StylusProfile() *Profile {
	return &Profile{
		Name:     "cargo-stylus",
		Entry:    "src/lib.rs",
		Manifest: "Cargo.toml",
		Artifact: "target/" + wasmTarget + "/release/{crate}.wasm",
		PrerequisiteCmd: Invocation{
			Command: "rustup",
			Args:    []string{"target", "add", wasmTarget},
		},
		LockfileCmd: Invocation{
			Command: "cargo",
			Args:    []string{"generate-lockfile"},
		},
		BuildCmd: Invocation{
			Command: "cargo",
			Args:    []string{"build", "--release", "--target", wasmTarget},
		},
		DeployCmd: Invocation{
			Command: "cargo",
			Args: []string{
				"stylus", "deploy",
				"--private-key", PlaceholderPrivateKey,
				"--endpoint", PlaceholderEndpoint,
				"--no-verify",
			},
		},
		Env: []string{"CARGO_TERM_COLOR=never"},
		Files: []protocol.ProjectFile{
			{Path: "Cargo.toml", Content: cargoManifestTemplate},
			{Path: "rust-toolchain.toml", Content: rustToolchainTemplate},
			{Path: "src/main.rs", Content: mainTemplate},
			{Path: ".gitignore", Content: gitignoreTemplate},
		},
	}
}
