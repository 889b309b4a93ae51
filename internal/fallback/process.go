package fallback

import (
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Process 是一个已启动的中继进程。
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	Stop() error
}

// Launcher 启动中继进程，监听 127.0.0.1:port 上的 SOCKS 端口。
type Launcher interface {
	Launch(binary string, port int, dataDir string) (Process, error)
}

type execLauncher struct{}

func (execLauncher) Launch(binary string, port int, dataDir string) (Process, error) {
	cmd := exec.Command(binary,
		"--SocksPort", strconv.Itoa(port),
		"--DataDirectory", dataDir,
	)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Stop 先发 SIGINT 让 tor 干净退出，5 秒后仍未退出则 kill。
func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if sigErr := p.cmd.Process.Signal(os.Interrupt); sigErr != nil {
			err = p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			err = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return err
}
