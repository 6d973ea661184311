// Package source provides agent.Source implementations, the systems of
// record for desired agent state.
//
//   - KubernetesSource reads Agent custom resources (ai.example.com/v1)
//     through the dynamic client. The tenant is the namespace and the
//     agent id is the object name.
//   - FilesystemSource reads YAML manifests laid out as
//     <base>/<tenant>/<agent>.yaml and watches them with fsnotify.
//   - MemorySource keeps agents in memory. It backs tests and the memory
//     source mode of agentd serve.
//
// All sources close their watch channel when the underlying stream breaks.
// Consumers are expected to List again and start a new Watch.
package source
