// Package docs holds the general API annotations of the portprobe API. The
// operations are annotated on their handlers in internal/api/handlers.
//
//go:generate swag init -g swagger_docs.go -d ./,../internal/api/handlers -o ./swagger --outputTypes go --parseInternal
package docs

// @title portprobe API
// @version 1.0
// @description TCP port range scanning service. Scans are queued on a bounded worker pool and their progress can be streamed over a websocket.
//
// @contact.name portprobe
// @contact.url https://github.com/anstrom/portprobe
//
// @license.name MIT
// @license.url https://github.com/anstrom/portprobe/blob/main/LICENSE
//
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication
