// Package web3 提供链上只读访问能力，供内置的 chain.* 工具使用。
// 具体实现位于 ethereum 子包，多链配置由 provider 子包加载。
package web3
