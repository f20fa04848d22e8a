// pvgpu-broker is the per-session service that driver instances share. It
// hands out process-unique resource handles and keeps the metadata of
// exported surfaces so other processes can open them by token.
package main

import "github.com/tinyrange/pvgpu/internal/helper"

func main() {
	helper.Main()
}
