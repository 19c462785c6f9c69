package main

// General API documentation for swaggo. Run `make swagger-gen` to regenerate.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API for device-local LLM inference and instance management.
//
// @contact.name   inferd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
