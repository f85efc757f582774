// cmd/main.go
package main

import (
	"storefront-api/app"
)

// @title           Storefront API
// @version         1.0
// @description     Authentication and session core of the storefront backend.

// @contact.name   API Support
// @contact.email  support@example.com

// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT

// @host      localhost:8080
// @BasePath  /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	app.Run()
}
