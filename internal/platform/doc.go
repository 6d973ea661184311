// Package platform provides agent.Platform implementations, the adapters
// that create, update, delete and read the running workload of an agent.
//
// KubernetesPlatform keeps one apps/v1 Deployment per agent in a namespace
// per tenant. Simulator is an in-memory platform with call recording and
// fault injection, used by tests and the simulator mode of agentd serve.
package platform
