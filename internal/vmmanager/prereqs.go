package vmmanager

import "os/exec"

// Prerequisite is the on-PATH availability of one external tool the VM
// lifecycle operations shell out to.
type Prerequisite struct {
	Tool      string
	Available bool
}

var requiredTools = []string{
	"qemu-system-x86_64",
	"qemu-img",
	"mkfs.ext4",
	"ssh",
	"sshpass",
	"guestfish",
}

// CheckPrerequisites reports, for every external tool the manager may
// invoke, whether it is present on PATH.
func CheckPrerequisites() []Prerequisite {
	results := make([]Prerequisite, 0, len(requiredTools))
	for _, tool := range requiredTools {
		_, err := exec.LookPath(tool)
		results = append(results, Prerequisite{Tool: tool, Available: err == nil})
	}
	return results
}
