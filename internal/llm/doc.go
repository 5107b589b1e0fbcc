// Package llm 定义调用大模型的统一接口，并提供基于大模型的规划协作者。
// 具体的模型提供方实现在 openai 与 pythonbridge 子包中。
package llm
