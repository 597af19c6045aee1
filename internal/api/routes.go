package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (POST /proposals)
	CreateProposal(ctx echo.Context) error
	// (GET /proposals/{id})
	GetProposal(ctx echo.Context, id string) error
	// (GET /proposals/{id}/transitions)
	ListTransitions(ctx echo.Context, id string) error
	// (POST /proposals/{id}/transitions)
	TriggerTransition(ctx echo.Context, id string) error
	// (GET /proposals/{id}/attempts)
	ListAttempts(ctx echo.Context, id string) error
	// (GET /workflows)
	ListWorkflows(ctx echo.Context) error
	// (GET /workflows/{id})
	GetWorkflow(ctx echo.Context, id string) error
	// (PUT /workflows/{id})
	PutWorkflow(ctx echo.Context, id string) error
	// (PUT /tools/{id})
	PutTool(ctx echo.Context, id string) error
	// (PUT /operations/{id})
	PutOperation(ctx echo.Context, id string) error
	// (POST /operations/{id}/test)
	TestOperation(ctx echo.Context, id string) error
	// (POST /operations/{id}/execute)
	ExecuteOperation(ctx echo.Context, id string) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func bindID(ctx echo.Context) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", ctx.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter id: %s", err))
	}
	return id, nil
}

// withID binds the id path parameter before calling fn.
func withID(fn func(echo.Context, string) error) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		id, err := bindID(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, id)
	}
}

// EchoRouter is the subset of echo.Echo and echo.Group used to register
// routes.
type EchoRouter interface {
	CONNECT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	HEAD(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	OPTIONS(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PATCH(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	TRACE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers the routes under baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	w := ServerInterfaceWrapper{Handler: si}

	router.POST(baseURL+"/proposals", w.Handler.CreateProposal)
	router.GET(baseURL+"/proposals/:id", withID(w.Handler.GetProposal))
	router.GET(baseURL+"/proposals/:id/transitions", withID(w.Handler.ListTransitions))
	router.POST(baseURL+"/proposals/:id/transitions", withID(w.Handler.TriggerTransition))
	router.GET(baseURL+"/proposals/:id/attempts", withID(w.Handler.ListAttempts))
	router.GET(baseURL+"/workflows", w.Handler.ListWorkflows)
	router.GET(baseURL+"/workflows/:id", withID(w.Handler.GetWorkflow))
	router.PUT(baseURL+"/workflows/:id", withID(w.Handler.PutWorkflow))
	router.PUT(baseURL+"/tools/:id", withID(w.Handler.PutTool))
	router.PUT(baseURL+"/operations/:id", withID(w.Handler.PutOperation))
	router.POST(baseURL+"/operations/:id/test", withID(w.Handler.TestOperation))
	router.POST(baseURL+"/operations/:id/execute", withID(w.Handler.ExecuteOperation))
}
