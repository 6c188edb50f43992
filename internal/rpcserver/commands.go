package rpcserver

import (
	"context"

	"github.com/gin-gonic/gin"

	"dacinstalld/internal/catalog"
	"dacinstalld/internal/executor"
	"dacinstalld/internal/runtime/commands"
)

// Method names double as both the command name the dispatcher routes on and
// the final path segment of each RPC's route ("/api/v1/install", etc.).
const (
	methodInstall           = "install"
	methodUninstall         = "uninstall"
	methodCancel            = "cancel"
	methodGetProgress       = "getProgress"
	methodGetStorageDetails = "getStorageDetails"
	methodGetList           = "getList"
	methodGetMetadata       = "getMetadata"
	methodSetAuxMetadata    = "setAuxMetadata"
	methodClearAuxMetadata  = "clearAuxMetadata"
	methodLock              = "lock"
	methodUnlock            = "unlock"
	methodGetLockInfo       = "getLockInfo"
	methodReset             = "reset"
	methodDownload          = "download"
)

type installCmd struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Version  string `json:"version"`
	URL      string `json:"url"`
	AppName  string `json:"appName"`
	Category string `json:"category"`
}

func (installCmd) Name() string { return methodInstall }

type uninstallCmd struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	Version       string `json:"version"`
	UninstallType string `json:"uninstallType"`
}

func (uninstallCmd) Name() string { return methodUninstall }

type handleCmd struct {
	Handle string `json:"handle"`
	method string
}

func (c handleCmd) Name() string { return c.method }

type identityCmd struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version"`
	method  string
}

func (c identityCmd) Name() string { return c.method }

type setAuxMetadataCmd struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

func (setAuxMetadataCmd) Name() string { return methodSetAuxMetadata }

type clearAuxMetadataCmd struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version"`
	Key     string `json:"key"`
}

func (clearAuxMetadataCmd) Name() string { return methodClearAuxMetadata }

type lockCmd struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version"`
	Reason  string `json:"reason"`
	Owner   string `json:"owner"`
}

func (lockCmd) Name() string { return methodLock }

type noopCmd struct{ method string }

func (c noopCmd) Name() string { return c.method }

// appDetailsResponse is the JSON-friendly projection of catalog.AppDetails
// returned by getList and getMetadata.
type appDetailsResponse struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Version  string `json:"version"`
	AppName  string `json:"appName"`
	Category string `json:"category"`
	URL      string `json:"url"`
	AppPath  string `json:"appPath"`
	DataPath string `json:"dataPath"`
}

func toAppDetailsResponse(d catalog.AppDetails) appDetailsResponse {
	return appDetailsResponse{
		Type:     d.Type,
		ID:       d.ID,
		Version:  d.Version,
		AppName:  d.AppName,
		Category: d.Category,
		URL:      d.URL,
		AppPath:  d.AppPath,
		DataPath: d.DataPath,
	}
}

// commandDecoders maps each RPC method name to a function building its typed
// Command from the inbound Gin request.
var commandDecoders = map[string]func(*gin.Context) (commands.Command, error){
	methodInstall: func(c *gin.Context) (commands.Command, error) {
		var cmd installCmd
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodUninstall: func(c *gin.Context) (commands.Command, error) {
		var cmd uninstallCmd
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodCancel: func(c *gin.Context) (commands.Command, error) {
		cmd := handleCmd{method: methodCancel}
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodGetProgress: func(c *gin.Context) (commands.Command, error) {
		cmd := handleCmd{method: methodGetProgress}
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodGetStorageDetails: func(c *gin.Context) (commands.Command, error) {
		cmd := identityCmd{method: methodGetStorageDetails}
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodGetList: func(c *gin.Context) (commands.Command, error) {
		cmd := identityCmd{method: methodGetList}
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodGetMetadata: func(c *gin.Context) (commands.Command, error) {
		cmd := identityCmd{method: methodGetMetadata}
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodSetAuxMetadata: func(c *gin.Context) (commands.Command, error) {
		var cmd setAuxMetadataCmd
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodClearAuxMetadata: func(c *gin.Context) (commands.Command, error) {
		var cmd clearAuxMetadataCmd
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodLock: func(c *gin.Context) (commands.Command, error) {
		var cmd lockCmd
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodUnlock: func(c *gin.Context) (commands.Command, error) {
		cmd := handleCmd{method: methodUnlock}
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodGetLockInfo: func(c *gin.Context) (commands.Command, error) {
		cmd := identityCmd{method: methodGetLockInfo}
		err := bindJSON(c, &cmd)
		return cmd, err
	},
	methodReset: func(c *gin.Context) (commands.Command, error) {
		return noopCmd{method: methodReset}, nil
	},
	methodDownload: func(c *gin.Context) (commands.Command, error) {
		return noopCmd{method: methodDownload}, nil
	},
}

// registerCommands binds every RPC method to a dispatcher Handler closing
// over s.engine. Each handler returns an envelope as its Response so
// handleMethod can write it straight through.
func (s *Server) registerCommands() {
	s.dispatcher.Register(methodInstall, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(installCmd)
		handle, code := s.engine.Install(cmd.Type, cmd.ID, cmd.Version, cmd.URL, cmd.AppName, cmd.Category)
		return envelope{Code: int(code), Data: handleData(handle, code)}, nil
	}))

	s.dispatcher.Register(methodUninstall, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(uninstallCmd)
		handle, code := s.engine.Uninstall(cmd.Type, cmd.ID, cmd.Version, cmd.UninstallType)
		return envelope{Code: int(code), Data: handleData(handle, code)}, nil
	}))

	s.dispatcher.Register(methodCancel, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(handleCmd)
		code := s.engine.Cancel(cmd.Handle)
		return envelope{Code: int(code)}, nil
	}))

	s.dispatcher.Register(methodGetProgress, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(handleCmd)
		progress, code := s.engine.GetProgress(cmd.Handle)
		if code != executor.CodeNone {
			return envelope{Code: int(code)}, nil
		}
		return envelope{Code: int(code), Data: gin.H{"progress": progress}}, nil
	}))

	s.dispatcher.Register(methodGetStorageDetails, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(identityCmd)
		details, code := s.engine.GetStorageDetails(cmd.Type, cmd.ID, cmd.Version)
		if code != executor.CodeNone {
			return envelope{Code: int(code)}, nil
		}
		return envelope{Code: int(code), Data: gin.H{"appSize": details.AppSize, "dataSize": details.DataSize}}, nil
	}))

	s.dispatcher.Register(methodGetList, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(identityCmd)
		list, code := s.engine.GetAppDetailsList(cmd.Type, cmd.ID, cmd.Version)
		if code != executor.CodeNone {
			return envelope{Code: int(code)}, nil
		}
		out := make([]appDetailsResponse, 0, len(list))
		for _, d := range list {
			out = append(out, toAppDetailsResponse(d))
		}
		return envelope{Code: int(code), Data: gin.H{"apps": out}}, nil
	}))

	s.dispatcher.Register(methodGetMetadata, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(identityCmd)
		details, kv, code := s.engine.GetMetadata(cmd.Type, cmd.ID, cmd.Version)
		if code != executor.CodeNone {
			return envelope{Code: int(code)}, nil
		}
		return envelope{Code: int(code), Data: gin.H{"app": toAppDetailsResponse(details), "metadata": kv}}, nil
	}))

	s.dispatcher.Register(methodSetAuxMetadata, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(setAuxMetadataCmd)
		code := s.engine.SetMetadata(cmd.Type, cmd.ID, cmd.Version, cmd.Key, cmd.Value)
		return envelope{Code: int(code)}, nil
	}))

	s.dispatcher.Register(methodClearAuxMetadata, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(clearAuxMetadataCmd)
		code := s.engine.ClearMetadata(cmd.Type, cmd.ID, cmd.Version, cmd.Key)
		return envelope{Code: int(code)}, nil
	}))

	s.dispatcher.Register(methodLock, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(lockCmd)
		handle, code := s.engine.Lock(cmd.Type, cmd.ID, cmd.Version, cmd.Reason, cmd.Owner)
		return envelope{Code: int(code), Data: handleData(handle, code)}, nil
	}))

	s.dispatcher.Register(methodUnlock, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(handleCmd)
		code := s.engine.Unlock(cmd.Handle)
		return envelope{Code: int(code)}, nil
	}))

	s.dispatcher.Register(methodGetLockInfo, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		cmd := c.(identityCmd)
		reason, owner, code := s.engine.GetLockInfo(cmd.Type, cmd.ID, cmd.Version)
		if code != executor.CodeNone {
			return envelope{Code: int(code)}, nil
		}
		return envelope{Code: int(code), Data: gin.H{"reason": reason, "owner": owner}}, nil
	}))

	// reset and download are accepted for forward compatibility and need not
	// do work, per spec section 6.
	s.dispatcher.Register(methodReset, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		return envelope{Code: int(executor.CodeNone)}, nil
	}))
	s.dispatcher.Register(methodDownload, commands.HandlerFunc(func(ctx context.Context, c commands.Command) (commands.Response, error) {
		return envelope{Code: int(executor.CodeNone)}, nil
	}))
}

func handleData(handle string, code executor.Code) interface{} {
	if code != executor.CodeNone {
		return nil
	}
	return gin.H{"handle": handle}
}
