/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"libvirt.org/go/libvirt"
)

var (
	errConnectLibvirt = errors.New("failed to connect to libvirt")
	errLookupNetwork  = errors.New("failed to lookup network")
	errStartNetwork   = errors.New("failed to start network")
	errDefineDomain   = errors.New("failed to define domain")
	errCreateDomain   = errors.New("failed to create domain")
	errLookupDomain   = errors.New("failed to lookup domain")
	errGetDomainState = errors.New("failed to get domain state")
	errDestroyDomain  = errors.New("failed to destroy domain")
	errUndefineDomain = errors.New("failed to undefine domain")
)

// DefaultLibvirtURI is the system libvirt daemon.
const DefaultLibvirtURI = "qemu:///system"

// Libvirt is the Hypervisor backed by a libvirt connection.
type Libvirt struct {
	conn *libvirt.Connect
}

var _ Hypervisor = &Libvirt{}

func NewLibvirt(uri string) (*Libvirt, error) {
	if uri == "" {
		uri = DefaultLibvirtURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", uri), errConnectLibvirt)
	}
	return &Libvirt{conn: conn}, nil
}

func (l *Libvirt) Close() error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Close()
	return err
}

func (l *Libvirt) EnsureNetwork(_ context.Context, name string) error {
	network, err := l.conn.LookupNetworkByName(name)
	if err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), errLookupNetwork)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), errLookupNetwork)
	}
	if !active {
		if err := network.Create(); err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", name), errStartNetwork)
		}
	}
	return nil
}

func (l *Libvirt) DefineAndStart(_ context.Context, domainXML string) error {
	dom, err := l.conn.DomainDefineXML(domainXML)
	if err != nil {
		return errors.Join(err, errDefineDomain)
	}
	defer func() { _ = dom.Free() }()

	if err := dom.Create(); err != nil {
		return errors.Join(err, errCreateDomain)
	}
	return nil
}

func (l *Libvirt) Destroy(_ context.Context, name string) error {
	dom, err := l.lookupDomain(name)
	if err != nil {
		return err
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	if state == libvirt.DOMAIN_RUNNING || state == libvirt.DOMAIN_PAUSED {
		if err := dom.Destroy(); err != nil {
			return errors.Join(err, fmt.Errorf("vmName=%s", name), errDestroyDomain)
		}
	}
	if err := dom.Undefine(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errUndefineDomain)
	}
	return nil
}

func (l *Libvirt) IPv4(_ context.Context, name string) (string, error) {
	dom, err := l.lookupDomain(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = dom.Free() }()

	ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		// no lease yet
		return "", nil
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
				return strings.Split(addr.Addr, "/")[0], nil
			}
		}
	}
	return "", nil
}

func (l *Libvirt) lookupDomain(name string) (*libvirt.Domain, error) {
	dom, err := l.conn.LookupDomainByName(name)
	if err != nil {
		var libvirtErr libvirt.Error
		if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, errors.Join(fmt.Errorf("vmName=%s", name), ErrDomainNotFound)
		}
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errLookupDomain)
	}
	return dom, nil
}
