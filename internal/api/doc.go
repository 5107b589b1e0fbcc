// Package api 通过 HTTP 暴露思考流水线、工具注册表与 AI 任务，
// 并以 websocket 推送事件总线上的实时事件。
package api
